/*
reconcile.go - Point-in-time stock computation and checkpoints

ALGORITHM (ComputeStock):
  1. base = latest snapshot date <= asOf, across the whole snapshot set
     (not per item). No snapshot means every base quantity is zero.
  2. Seed each item with its snapshot quantity at base (0 if absent).
  3. Fold non-deleted purchases, sales and returns dated in (base, asOf].
     Returns count on the date part of their creation timestamp.
  4. quantity = base + purchases - sales + returns
  5. Drop zero quantities.

CHECKPOINTS (CreateSnapshot):
  Computes stock at the snapshot date and replaces every snapshot row at
  that date, plus one SnapshotLog row, inside one transaction. The base for a
  checkpoint is the latest snapshot strictly BEFORE its date, so checkpointing
  a date twice recomputes it from the ledger rather than copying itself.

  Once a range is purged the ledger can no longer rebuild it. A checkpoint
  whose replay would cross a purged range builds on the latest snapshot at
  or before its own date instead, which rewrites an existing checkpoint
  unchanged. Checkpointing a date inside a purged range that has no
  checkpoint of its own fails with ErrRangePurged.

INVARIANT:
  ComputeStock(D) == ReplayStock(D) for every D. Snapshots only change how
  much of the ledger is read, never the answer. This holds until a purge:
  ReplayStock no longer sees purged rows, while ComputeStock past the purged
  range keeps answering from the checkpoint taken at its end.

PARTIAL SNAPSHOTS:
  Base selection is global. An item missing from the base snapshot starts
  from zero even if an older snapshot had a row for it.
  A checkpoint where every quantity was zero stores no rows but is still
  a base: its log entry marks the date.
*/
package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store TxStore

	// Clock stamps snapshot rows and logs. Defaults to time.Now.
	Clock func() time.Time
}

func NewEngine(store TxStore) *Engine {
	return &Engine{Store: store, Clock: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}

// ComputeStock returns every non-zero stock level as of asOf (inclusive).
// Read-only.
func (e *Engine) ComputeStock(ctx context.Context, asOf Date) (*StockSheet, error) {
	if asOf.IsZero() {
		return nil, &InputError{Field: "as_of", Reason: "missing"}
	}

	var sheet *StockSheet
	err := view(ctx, e.Store, func(s Store) error {
		var err error
		sheet, err = computeStock(ctx, s, asOf, asOf)
		return err
	})
	if err != nil {
		return nil, storeErr("compute stock", Through(asOf), err)
	}
	return sheet, nil
}

// ReplayStock computes stock at asOf from the full ledger history, ignoring
// snapshots. It is the reference ComputeStock is checked against.
func (e *Engine) ReplayStock(ctx context.Context, asOf Date) (*StockSheet, error) {
	if asOf.IsZero() {
		return nil, &InputError{Field: "as_of", Reason: "missing"}
	}

	var sheet *StockSheet
	err := view(ctx, e.Store, func(s Store) error {
		var err error
		sheet, err = replay(ctx, s, map[ItemID]*StockLevel{}, Date{}, asOf)
		return err
	})
	if err != nil {
		return nil, storeErr("replay stock", Through(asOf), err)
	}
	return sheet, nil
}

// CreateSnapshot checkpoints stock at date and returns the log row written.
// The log's ItemCount is the number of snapshot rows persisted.
func (e *Engine) CreateSnapshot(ctx context.Context, date Date, actor string) (*SnapshotLog, error) {
	if date.IsZero() {
		return nil, &InputError{Field: "snapshot_date", Reason: "missing"}
	}

	var log *SnapshotLog
	err := e.Store.WithTx(ctx, func(s Store) error {
		var err error
		log, err = e.checkpoint(ctx, s, date, actor)
		return err
	})
	if err != nil {
		return nil, storeErr("create snapshot", Through(date), err)
	}
	return log, nil
}

// checkpoint is CreateSnapshot against a store already inside a transaction.
func (e *Engine) checkpoint(ctx context.Context, s Store, date Date, actor string) (*SnapshotLog, error) {
	baseLimit, err := checkpointBase(ctx, s, date)
	if err != nil {
		return nil, err
	}
	sheet, err := computeStock(ctx, s, date, baseLimit)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rows := make([]Snapshot, len(sheet.Levels))
	for i, l := range sheet.Levels {
		rows[i] = Snapshot{
			Date:      date,
			ItemID:    l.ItemID,
			ItemName:  l.ItemName,
			Quantity:  l.Quantity,
			CreatedAt: now,
		}
	}

	if err := s.ReplaceSnapshot(ctx, date, rows); err != nil {
		return nil, err
	}

	log := SnapshotLog{
		ID:         uuid.NewString(),
		BaseDate:   sheet.Base,
		TargetDate: date,
		ItemCount:  len(rows),
		CreatedBy:  actor,
		CreatedAt:  now,
	}
	if err := s.AppendSnapshotLog(ctx, log); err != nil {
		return nil, err
	}
	return &log, nil
}

// SnapshotHistory returns every checkpoint ever taken, newest first.
func (e *Engine) SnapshotHistory(ctx context.Context) ([]SnapshotLog, error) {
	logs, err := e.Store.SnapshotLogs(ctx)
	if err != nil {
		return nil, storeErr("list snapshot history", DateRange{}, err)
	}
	return logs, nil
}

// SnapshotAt returns the persisted rows at date. No rows is not an error.
func (e *Engine) SnapshotAt(ctx context.Context, date Date) ([]Snapshot, error) {
	if date.IsZero() {
		return nil, &InputError{Field: "snapshot_date", Reason: "missing"}
	}
	rows, err := e.Store.SnapshotRows(ctx, date)
	if err != nil {
		return nil, storeErr("read snapshot", Through(date), err)
	}
	return rows, nil
}

// LatestSnapshotDate returns the newest checkpoint on or before date.
func (e *Engine) LatestSnapshotDate(ctx context.Context, date Date) (Date, bool, error) {
	d, ok, err := e.Store.LatestSnapshotDate(ctx, date)
	if err != nil {
		return Date{}, false, storeErr("latest snapshot", Through(date), err)
	}
	return d, ok, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Drift is one item whose checkpointed and replayed quantities disagree.
type Drift struct {
	ItemID       ItemID
	Checkpointed decimal.Decimal
	Replayed     decimal.Decimal
}

type Verification struct {
	AsOf  Date
	Base  Date
	Drift []Drift
}

func (v *Verification) Consistent() bool { return len(v.Drift) == 0 }

// Verify compares ComputeStock with a full replay in one transaction.
// Drift appears after ledger rows older than a snapshot were changed or
// purged; it is reported, not repaired.
func (e *Engine) Verify(ctx context.Context, asOf Date) (*Verification, error) {
	if asOf.IsZero() {
		return nil, &InputError{Field: "as_of", Reason: "missing"}
	}

	var v *Verification
	err := view(ctx, e.Store, func(s Store) error {
		checkpointed, err := computeStock(ctx, s, asOf, asOf)
		if err != nil {
			return err
		}
		replayed, err := replay(ctx, s, map[ItemID]*StockLevel{}, Date{}, asOf)
		if err != nil {
			return err
		}
		v = &Verification{AsOf: asOf, Base: checkpointed.Base, Drift: diff(checkpointed, replayed)}
		return nil
	})
	if err != nil {
		return nil, storeErr("verify stock", Through(asOf), err)
	}
	return v, nil
}

func diff(a, b *StockSheet) []Drift {
	qa, qb := a.Quantities(), b.Quantities()
	ids := make(map[ItemID]struct{}, len(qa)+len(qb))
	for id := range qa {
		ids[id] = struct{}{}
	}
	for id := range qb {
		ids[id] = struct{}{}
	}

	var out []Drift
	for id := range ids {
		if !qa[id].Equal(qb[id]) {
			out = append(out, Drift{ItemID: id, Checkpointed: qa[id], Replayed: qb[id]})
		}
	}
	sortDrift(out)
	return out
}

func sortDrift(d []Drift) {
	sort.Slice(d, func(i, j int) bool { return d[i].ItemID < d[j].ItemID })
}

// =============================================================================
// CORE COMPUTATION
// =============================================================================

// checkpointBase returns the latest date a checkpoint at date may build on.
//
// Normally that is date-1, so re-checkpointing a date picks up ledger
// corrections. If replaying from there would cross purged rows, the ledger
// can no longer rebuild date and the checkpoint builds on what is already
// recorded at or before date. A date inside a purged range can only be
// rewritten from its own checkpoint.
func checkpointBase(ctx context.Context, s Store, date Date) (Date, error) {
	prev := date.AddDays(-1)
	base, ok, err := s.LatestSnapshotDate(ctx, prev)
	if err != nil {
		return Date{}, err
	}
	if !ok {
		base = Date{}
	}

	purged, err := s.PurgedRanges(ctx)
	if err != nil {
		return Date{}, err
	}
	window := ReplayWindow(base, date)
	crossed := false
	for _, p := range purged {
		if !window.Overlaps(p) {
			continue
		}
		crossed = true
		if !p.Contains(date) {
			continue
		}
		latest, ok, err := s.LatestSnapshotDate(ctx, date)
		if err != nil {
			return Date{}, err
		}
		if !ok || !latest.Equal(date) {
			return Date{}, fmt.Errorf("%w: %s covers %s", ErrRangePurged, p, date)
		}
	}
	if crossed {
		return date, nil
	}
	return prev, nil
}

// computeStock answers asOf using the latest snapshot on or before baseLimit.
func computeStock(ctx context.Context, s Store, asOf, baseLimit Date) (*StockSheet, error) {
	levels := make(map[ItemID]*StockLevel)

	base, ok, err := s.LatestSnapshotDate(ctx, baseLimit)
	if err != nil {
		return nil, err
	}
	if !ok {
		base = Date{}
	} else {
		rows, err := s.SnapshotRows(ctx, base)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			levels[r.ItemID] = &StockLevel{ItemID: r.ItemID, ItemName: r.ItemName, Quantity: r.Quantity}
		}
	}

	return replay(ctx, s, levels, base, asOf)
}

// replay folds the ledger window (base, asOf] onto levels.
func replay(ctx context.Context, s Store, levels map[ItemID]*StockLevel, base, asOf Date) (*StockSheet, error) {
	window := ReplayWindow(base, asOf)
	if !window.Empty() {
		movements, err := s.Movements(ctx, window)
		if err != nil {
			return nil, err
		}
		items, err := s.Items(ctx)
		if err != nil {
			return nil, err
		}

		for _, t := range Fold(movements, NewResolver(items)) {
			l, ok := levels[t.ItemID]
			if !ok {
				l = &StockLevel{ItemID: t.ItemID, Quantity: decimal.Zero}
				levels[t.ItemID] = l
			}
			if t.ItemName != "" {
				l.ItemName = t.ItemName
			}
			l.Quantity = l.Quantity.Add(t.Net())
		}
	}

	sheet := &StockSheet{AsOf: asOf, Base: base}
	for _, l := range levels {
		if l.Quantity.IsZero() {
			continue
		}
		sheet.Levels = append(sheet.Levels, *l)
	}
	sortLevels(sheet.Levels)
	return sheet, nil
}
