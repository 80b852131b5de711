/*
archive.go - Archive lifecycle (checkpoint and compact)

PURPOSE:
  Moves an explicit date range of hot ledger rows into cold storage:
  per-item purchase/sale/return totals are written as ArchiveRows and the
  ledger rows are deleted. Same idea as log compaction in storage engines.

OPERATIONS:
  Preview:           Summary rows for a range, nothing written
  TransferToArchive: Write the summary, replacing any earlier transfer of
                     the exact same range (re-running never double counts)
  PurgeLedgerRange:  Delete the ledger rows of the range
  ArchiveAndPurge:   Checkpoint + transfer + purge in ONE transaction

ATOMICITY:
  Transfer followed by an unguarded purge can duplicate data (purge fails) or
  lose it (transfer fails). ArchiveAndPurge commits both or neither.

SNAPSHOT DISCIPLINE:
  Purging rows would change every later ComputeStock answer whose base
  snapshot is older than the range. ArchiveAndPurge therefore checkpoints
  range.End first, in the same transaction, so any date after the range
  replays from that checkpoint and never needs the purged rows.
  Dates inside the purged range can no longer be reconstructed from the hot
  ledger; their activity lives in the archive rows.

RE-RUNS:
  Every purge is recorded. Transferring or committing a range that overlaps
  a recorded purge fails with ErrRangePurged: the hot ledger no longer holds
  those rows and a new summary would replace the archive rows with nothing.
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Archiver struct {
	Store  TxStore
	Engine *Engine

	// Clock stamps archive rows. Defaults to the engine's clock.
	Clock func() time.Time
}

func NewArchiver(store TxStore, engine *Engine) *Archiver {
	return &Archiver{Store: store, Engine: engine}
}

func (a *Archiver) now() time.Time {
	if a.Clock != nil {
		return a.Clock().UTC()
	}
	if a.Engine != nil {
		return a.Engine.now()
	}
	return time.Now().UTC()
}

// ArchiveResult describes a committed ArchiveAndPurge.
type ArchiveResult struct {
	Range       DateRange
	Checkpoint  SnapshotLog
	Transferred int
	Purged      PurgeResult
}

// Preview returns the archive rows TransferToArchive would write.
func (a *Archiver) Preview(ctx context.Context, r DateRange) ([]ArchiveRow, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var rows []ArchiveRow
	err := view(ctx, a.Store, func(s Store) error {
		var err error
		rows, err = a.summarize(ctx, s, r)
		return err
	})
	if err != nil {
		return nil, storeErr("preview archive", r, err)
	}
	return rows, nil
}

// TransferToArchive writes one ArchiveRow per item with activity in r and
// returns how many were written.
func (a *Archiver) TransferToArchive(ctx context.Context, r DateRange) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}

	var n int
	err := a.Store.WithTx(ctx, func(s Store) error {
		var err error
		n, err = a.transfer(ctx, s, r)
		return err
	})
	if err != nil {
		return 0, storeErr("transfer to archive", r, err)
	}
	return n, nil
}

// PurgeLedgerRange deletes every purchase, sale and return row dated in r.
func (a *Archiver) PurgeLedgerRange(ctx context.Context, r DateRange) (PurgeResult, error) {
	if err := r.Validate(); err != nil {
		return PurgeResult{}, err
	}

	var res PurgeResult
	err := a.Store.WithTx(ctx, func(s Store) error {
		var err error
		res, err = s.PurgeLedger(ctx, r)
		return err
	})
	if err != nil {
		return PurgeResult{}, storeErr("purge ledger", r, err)
	}
	return res, nil
}

// ArchiveAndPurge checkpoints r.End, archives r and purges it, atomically.
func (a *Archiver) ArchiveAndPurge(ctx context.Context, r DateRange, actor string) (*ArchiveResult, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	engine := a.Engine
	if engine == nil {
		engine = &Engine{Store: a.Store, Clock: a.Clock}
	}

	var res *ArchiveResult
	err := a.Store.WithTx(ctx, func(s Store) error {
		if err := refusePurged(ctx, s, r); err != nil {
			return err
		}
		log, err := engine.checkpoint(ctx, s, r.End, actor)
		if err != nil {
			return err
		}
		n, err := a.writeArchive(ctx, s, r)
		if err != nil {
			return err
		}
		purged, err := s.PurgeLedger(ctx, r)
		if err != nil {
			return err
		}
		res = &ArchiveResult{Range: r, Checkpoint: *log, Transferred: n, Purged: purged}
		return nil
	})
	if err != nil {
		return nil, storeErr("archive and purge", r, err)
	}
	return res, nil
}

// ArchivedRows returns archive rows recorded for ranges inside r.
func (a *Archiver) ArchivedRows(ctx context.Context, r DateRange) ([]ArchiveRow, error) {
	if !r.Start.IsZero() || !r.End.IsZero() {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	rows, err := a.Store.ArchiveRows(ctx, r)
	if err != nil {
		return nil, storeErr("read archive", r, err)
	}
	return rows, nil
}

func (a *Archiver) transfer(ctx context.Context, s Store, r DateRange) (int, error) {
	if err := refusePurged(ctx, s, r); err != nil {
		return 0, err
	}
	return a.writeArchive(ctx, s, r)
}

func (a *Archiver) writeArchive(ctx context.Context, s Store, r DateRange) (int, error) {
	rows, err := a.summarize(ctx, s, r)
	if err != nil {
		return 0, err
	}
	if err := s.ReplaceArchiveRange(ctx, r, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// refusePurged fails when r overlaps a range whose ledger rows are gone.
func refusePurged(ctx context.Context, s Store, r DateRange) error {
	purged, err := s.PurgedRanges(ctx)
	if err != nil {
		return err
	}
	for _, p := range purged {
		if r.Overlaps(p) {
			return fmt.Errorf("%w: %s overlaps %s", ErrRangePurged, r, p)
		}
	}
	return nil
}

// summarize folds the range into archive rows, skipping idle items.
func (a *Archiver) summarize(ctx context.Context, s Store, r DateRange) ([]ArchiveRow, error) {
	movements, err := s.Movements(ctx, r)
	if err != nil {
		return nil, err
	}
	items, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}

	now := a.now()
	var rows []ArchiveRow
	for _, t := range Fold(movements, NewResolver(items)) {
		if !t.Active() {
			continue
		}
		rows = append(rows, ArchiveRow{
			ID:          ArchiveRowID(r, t.ItemID),
			Range:       r,
			ItemID:      t.ItemID,
			ItemName:    t.ItemName,
			PurchaseQty: t.Purchased,
			SaleQty:     t.Sold,
			ReturnQty:   t.Returned,
			ArchivedAt:  now,
		})
	}
	return rows, nil
}

// ArchiveRowID is stable per (range, item) so a replaced range keeps its ids.
func ArchiveRowID(r DateRange, id ItemID) string {
	key := "archive:" + r.Start.String() + ":" + r.End.String() + ":" + string(id)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
