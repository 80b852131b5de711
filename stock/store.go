/*
store.go - Persistence interfaces for ledgers, catalog, snapshots and archive

PURPOSE:
  Defines the boundary between the engine and the database. The engine only
  ever talks to these interfaces; the handle is injected per Engine and the
  connection pool belongs to the service that built it.

KEY INTERFACES:
  Catalog:       Item lookup by barcode
  LedgerReader:  Range reads over the three ledgers
  LedgerWriter:  Ingestion (used by the HTTP layer, never by the engine)
  SnapshotStore: Checkpoints and their audit log
  ArchiveStore:  Cold archive rows and the hot-ledger purge
  TxStore:       All of the above plus WithTx
  Viewer:        Optional read-only counterpart of WithTx

TRANSACTIONS:
  Every engine write runs inside WithTx; reads go through View when the
  store implements Viewer. Methods such as ReplaceSnapshot
  and ReplaceArchiveRange delete then insert; they are only atomic when
  called on the Store handed to the WithTx callback.

IMPLEMENTATIONS:
  - stock/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
*/
package stock

import "context"

// Catalog maps scan identifiers to items.
type Catalog interface {
	// SaveItem creates an item. Returns ErrDuplicateItem if the id or barcode exists.
	SaveItem(ctx context.Context, item Item) error

	// Items returns the whole catalog ordered by id.
	Items(ctx context.Context) ([]Item, error)

	// ItemByBarcode returns (item, true) or (zero, false) when unknown.
	ItemByBarcode(ctx context.Context, barcode string) (Item, bool, error)
}

// LedgerReader reads the three ledgers.
type LedgerReader interface {
	// Movements returns every non-deleted contribution with effective date in r.
	Movements(ctx context.Context, r DateRange) ([]Movement, error)

	// LedgerEntries returns raw rows, ordered by effective date then id.
	LedgerEntries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
}

// LedgerWriter ingests ledger rows. Implementations normalize identifiers.
type LedgerWriter interface {
	// AppendEntries writes entries atomically. Returns ErrDuplicateEntry on id clash.
	AppendEntries(ctx context.Context, entries []LedgerEntry) error

	// SoftDelete flags an entry as deleted. Returns ErrEntryNotFound if absent.
	SoftDelete(ctx context.Context, kind Kind, id string) error
}

// SnapshotStore persists checkpoints.
type SnapshotStore interface {
	// LatestSnapshotDate returns the greatest checkpointed date <= onOrBefore.
	// A date counts when it has snapshot rows or a log entry targeting it; a
	// logged date without rows is a checkpoint where every quantity was zero.
	LatestSnapshotDate(ctx context.Context, onOrBefore Date) (Date, bool, error)

	// SnapshotRows returns the rows at exactly date, ordered by item id.
	SnapshotRows(ctx context.Context, date Date) ([]Snapshot, error)

	// ReplaceSnapshot drops all rows at date and writes rows.
	ReplaceSnapshot(ctx context.Context, date Date, rows []Snapshot) error

	AppendSnapshotLog(ctx context.Context, log SnapshotLog) error

	// SnapshotLogs returns the audit log, newest first.
	SnapshotLogs(ctx context.Context) ([]SnapshotLog, error)
}

// ArchiveStore persists archive rows and purges hot ledgers.
type ArchiveStore interface {
	// ReplaceArchiveRange drops rows archived for exactly r and writes rows.
	ReplaceArchiveRange(ctx context.Context, r DateRange, rows []ArchiveRow) error

	// ArchiveRows returns rows whose range lies inside r (all rows for a zero r).
	ArchiveRows(ctx context.Context, r DateRange) ([]ArchiveRow, error)

	// PurgeLedger hard-deletes every ledger row, soft-deleted or not, dated in r,
	// and records r as purged.
	PurgeLedger(ctx context.Context, r DateRange) (PurgeResult, error)

	// PurgedRanges returns every range PurgeLedger has recorded, oldest first.
	PurgedRanges(ctx context.Context) ([]DateRange, error)
}

// Store is the full persistence surface.
type Store interface {
	Catalog
	LedgerReader
	LedgerWriter
	SnapshotStore
	ArchiveStore
}

// Viewer is implemented by stores that can serve a consistent read without
// opening a write transaction. fn must not write.
type Viewer interface {
	View(ctx context.Context, fn func(Store) error) error
}

// view runs read-only fn through View when s offers it, else through WithTx.
func view(ctx context.Context, s TxStore, fn func(Store) error) error {
	if v, ok := s.(Viewer); ok {
		return v.View(ctx, fn)
	}
	return s.WithTx(ctx, fn)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
