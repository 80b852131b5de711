/*
Package sqlite provides a SQLite-backed implementation of stock.TxStore.

PURPOSE:
  Persists the catalog, the three ledgers, snapshots and archive rows.
  The same patterns apply to PostgreSQL (see store/postgres); only the
  dialect and the aggregation strategy differ.

KEY TABLES:
  items:         Catalog (barcode unique)
  purchases:     Purchase ledger, dated by purchase_date
  sales:         Sales ledger, dated by sale_date
  sale_returns:  Returns, dated by the UTC day of created_at (return_date)
  snapshots:     One row per (snapshot_date, item_id)
  snapshot_logs: One row per CreateSnapshot call
  archive_rows:  Per-item totals of archived ranges
  purge_logs:    One row per purged range

QUANTITIES:
  Stored as TEXT in decimal form and summed in Go. SQLite's SUM over REAL
  would lose exactness for fractional units.

CONCURRENCY:
  The pool is capped at one connection and transactions start with
  BEGIN IMMEDIATE, so writers queue instead of failing with SQLITE_BUSY and
  ":memory:" databases stay a single database.

QUERIES:
  Every statement is parameterized. The only text assembled at runtime is
  table and column names from the fixed ledgerTables list.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := stock.NewEngine(store)

MIGRATION:
  Versioned migrations (migrations/*.sql) are embedded and applied by
  golang-migrate on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/stock"
)

const (
	timeLayout = time.RFC3339
	minDate    = "0001-01-01"
	maxDate    = "9999-12-31"
)

var _ stock.TxStore = (*Store)(nil)

// Store implements stock.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{queries: &queries{q: db, now: time.Now}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Multi-statement writes outside WithTx get their own transaction.

func (s *Store) AppendEntries(ctx context.Context, entries []stock.LedgerEntry) error {
	return s.WithTx(ctx, func(tx stock.Store) error { return tx.AppendEntries(ctx, entries) })
}

func (s *Store) ReplaceSnapshot(ctx context.Context, date stock.Date, rows []stock.Snapshot) error {
	return s.WithTx(ctx, func(tx stock.Store) error { return tx.ReplaceSnapshot(ctx, date, rows) })
}

func (s *Store) ReplaceArchiveRange(ctx context.Context, r stock.DateRange, rows []stock.ArchiveRow) error {
	return s.WithTx(ctx, func(tx stock.Store) error { return tx.ReplaceArchiveRange(ctx, r, rows) })
}

func (s *Store) PurgeLedger(ctx context.Context, r stock.DateRange) (stock.PurgeResult, error) {
	var res stock.PurgeResult
	err := s.WithTx(ctx, func(tx stock.Store) error {
		var err error
		res, err = tx.PurgeLedger(ctx, r)
		return err
	})
	return res, err
}

// =============================================================================
// QUERIES - shared by the pool and by transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q   querier
	now func() time.Time
}

type ledgerTable struct {
	kind    stock.Kind
	table   string
	dateCol string
	columns string // id, item_id, item_name, barcode, qty, date, is_deleted, created_at
}

var ledgerTables = []ledgerTable{
	{stock.KindPurchase, "purchases", "purchase_date",
		"id, item_id, item_name, '', qty, purchase_date, is_deleted, created_at"},
	{stock.KindSale, "sales", "sale_date",
		"id, item_id, item_name, '', qty, sale_date, is_deleted, created_at"},
	{stock.KindReturn, "sale_returns", "return_date",
		"id, COALESCE(item_id, ''), '', COALESCE(barcode, ''), qty, return_date, is_deleted, created_at"},
}

func tableFor(kind stock.Kind) (ledgerTable, error) {
	for _, t := range ledgerTables {
		if t.kind == kind {
			return t, nil
		}
	}
	return ledgerTable{}, &stock.InputError{Field: "kind", Reason: "unknown ledger " + string(kind)}
}

// =============================================================================
// CATALOG
// =============================================================================

func (q *queries) SaveItem(ctx context.Context, item stock.Item) error {
	item = item.Normalize()
	if err := item.Validate(); err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO items (id, barcode, name, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, nullString(item.Barcode), item.Name, formatTime(item.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.ErrDuplicateItem
		}
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (q *queries) Items(ctx context.Context) ([]stock.Item, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, barcode, name, created_at FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []stock.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (q *queries) ItemByBarcode(ctx context.Context, barcode string) (stock.Item, bool, error) {
	code := string(stock.NormalizeID(barcode))
	if code == "" {
		return stock.Item{}, false, nil
	}
	row := q.q.QueryRowContext(ctx, `SELECT id, barcode, name, created_at FROM items WHERE barcode = ?`, code)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Item{}, false, nil
	}
	if err != nil {
		return stock.Item{}, false, err
	}
	return it, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (stock.Item, error) {
	var (
		it        stock.Item
		barcode   sql.NullString
		createdAt string
	)
	if err := sc.Scan(&it.ID, &barcode, &it.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return it, err
		}
		return it, fmt.Errorf("failed to scan item: %w", err)
	}
	it.Barcode = barcode.String
	it.CreatedAt = parseTime(createdAt)
	return it, nil
}

// =============================================================================
// LEDGERS
// =============================================================================

func (q *queries) AppendEntries(ctx context.Context, entries []stock.LedgerEntry) error {
	now := q.now().UTC()
	for _, e := range entries {
		e = e.Normalize(now)
		if err := e.Validate(); err != nil {
			return err
		}
		if err := q.insertEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) insertEntry(ctx context.Context, e stock.LedgerEntry) error {
	var err error
	switch e.Kind {
	case stock.KindReturn:
		_, err = q.q.ExecContext(ctx, `
			INSERT INTO sale_returns (id, item_id, barcode, qty, return_date, is_deleted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, nullString(string(e.ItemID)), nullString(e.Barcode), e.Quantity.String(),
			e.EffectiveDate().String(), e.Deleted, formatTime(e.CreatedAt),
		)
	default:
		t, terr := tableFor(e.Kind)
		if terr != nil {
			return terr
		}
		_, err = q.q.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, item_id, item_name, qty, %s, is_deleted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, t.table, t.dateCol),
			e.ID, e.ItemID, e.ItemName, e.Quantity.String(),
			e.Date.String(), e.Deleted, formatTime(e.CreatedAt),
		)
	}
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

func (q *queries) SoftDelete(ctx context.Context, kind stock.Kind, id string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET is_deleted = 1 WHERE id = ?`, t.table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stock.ErrEntryNotFound
	}
	return nil
}

// Movements returns one movement per non-deleted row dated in r.
func (q *queries) Movements(ctx context.Context, r stock.DateRange) ([]stock.Movement, error) {
	start, end := bounds(r)
	query := `
		SELECT 'purchase', item_id, item_name, '', qty FROM purchases
		WHERE is_deleted = 0 AND purchase_date >= ? AND purchase_date <= ?
		UNION ALL
		SELECT 'sale', item_id, item_name, '', qty FROM sales
		WHERE is_deleted = 0 AND sale_date >= ? AND sale_date <= ?
		UNION ALL
		SELECT 'return', COALESCE(item_id, ''), '', COALESCE(barcode, ''), qty FROM sale_returns
		WHERE is_deleted = 0 AND return_date >= ? AND return_date <= ?
	`
	rows, err := q.q.QueryContext(ctx, query, start, end, start, end, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []stock.Movement
	for rows.Next() {
		var (
			m    stock.Movement
			kind string
			raw  string
		)
		if err := rows.Scan(&kind, &m.ItemID, &m.ItemName, &m.Barcode, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.Kind = stock.Kind(kind)
		if m.Quantity, err = parseQty(raw); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *queries) LedgerEntries(ctx context.Context, f stock.LedgerFilter) ([]stock.LedgerEntry, error) {
	tables := ledgerTables
	if f.Kind != "" {
		t, err := tableFor(f.Kind)
		if err != nil {
			return nil, err
		}
		tables = []ledgerTable{t}
	}

	var out []stock.LedgerEntry
	for _, t := range tables {
		var (
			where []string
			args  []any
		)
		if !f.IncludeDeleted {
			where = append(where, "is_deleted = 0")
		}
		if !f.Range.Start.IsZero() || !f.Range.End.IsZero() {
			start, end := bounds(f.Range)
			where = append(where, t.dateCol+" >= ? AND "+t.dateCol+" <= ?")
			args = append(args, start, end)
		}
		query := "SELECT " + t.columns + " FROM " + t.table
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}

		entries, err := q.queryEntries(ctx, t.kind, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].EffectiveDate(), out[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *queries) queryEntries(ctx context.Context, kind stock.Kind, query string, args ...any) ([]stock.LedgerEntry, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s ledger: %w", kind, err)
	}
	defer rows.Close()

	var out []stock.LedgerEntry
	for rows.Next() {
		var (
			e         = stock.LedgerEntry{Kind: kind}
			raw       string
			date      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.ItemName, &e.Barcode, &raw, &date, &e.Deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		if e.Quantity, err = parseQty(raw); err != nil {
			return nil, err
		}
		if e.Date, err = stock.ParseDate(date); err != nil {
			return nil, fmt.Errorf("corrupt %s date %q: %w", kind, date, err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeLedger hard-deletes every row dated in r, is_deleted or not.
func (q *queries) PurgeLedger(ctx context.Context, r stock.DateRange) (stock.PurgeResult, error) {
	start, end := bounds(r)
	var res stock.PurgeResult
	for _, t := range ledgerTables {
		out, err := q.q.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s >= ? AND %s <= ?`, t.table, t.dateCol, t.dateCol),
			start, end,
		)
		if err != nil {
			return stock.PurgeResult{}, fmt.Errorf("failed to purge %s: %w", t.table, err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return stock.PurgeResult{}, err
		}
		switch t.kind {
		case stock.KindPurchase:
			res.Purchases = n
		case stock.KindSale:
			res.Sales = n
		case stock.KindReturn:
			res.Returns = n
		}
	}

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO purge_logs (range_start, range_end, purchases, sales, returns, purged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		start, end, res.Purchases, res.Sales, res.Returns, formatTime(q.now()),
	)
	if err != nil {
		return stock.PurgeResult{}, fmt.Errorf("failed to record purge: %w", err)
	}
	return res, nil
}

func (q *queries) PurgedRanges(ctx context.Context) ([]stock.DateRange, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT range_start, range_end FROM purge_logs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purge log: %w", err)
	}
	defer rows.Close()

	var out []stock.DateRange
	for rows.Next() {
		var start, end string
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan purge log: %w", err)
		}
		var r stock.DateRange
		r.Start, _ = stock.ParseDate(start)
		r.End, _ = stock.ParseDate(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (q *queries) LatestSnapshotDate(ctx context.Context, onOrBefore stock.Date) (stock.Date, bool, error) {
	var latest sql.NullString
	err := q.q.QueryRowContext(ctx,
		`SELECT MAX(d) FROM (
			SELECT snapshot_date AS d FROM snapshots WHERE snapshot_date <= ?
			UNION ALL
			SELECT target_date FROM snapshot_logs WHERE target_date <= ?
		)`,
		onOrBefore.String(), onOrBefore.String(),
	).Scan(&latest)
	if err != nil {
		return stock.Date{}, false, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	if !latest.Valid {
		return stock.Date{}, false, nil
	}
	d, err := stock.ParseDate(latest.String)
	if err != nil {
		return stock.Date{}, false, err
	}
	return d, true, nil
}

func (q *queries) SnapshotRows(ctx context.Context, date stock.Date) ([]stock.Snapshot, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT item_id, item_name, quantity, created_at
		FROM snapshots WHERE snapshot_date = ?
		ORDER BY item_id`,
		date.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	var out []stock.Snapshot
	for rows.Next() {
		var (
			s         = stock.Snapshot{Date: date}
			raw       string
			createdAt string
		)
		if err := rows.Scan(&s.ItemID, &s.ItemName, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if s.Quantity, err = parseQty(raw); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTime(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *queries) ReplaceSnapshot(ctx context.Context, date stock.Date, rows []stock.Snapshot) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_date = ?`, date.String()); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	for _, r := range rows {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO snapshots (snapshot_date, item_id, item_name, quantity, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			date.String(), r.ItemID, r.ItemName, r.Quantity.String(), formatTime(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save snapshot row %s: %w", r.ItemID, err)
		}
	}
	return nil
}

func (q *queries) AppendSnapshotLog(ctx context.Context, log stock.SnapshotLog) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO snapshot_logs (id, base_date, target_date, item_count, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.ID, nullString(log.BaseDate.String()), log.TargetDate.String(),
		log.ItemCount, log.CreatedBy, formatTime(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot log: %w", err)
	}
	return nil
}

func (q *queries) SnapshotLogs(ctx context.Context) ([]stock.SnapshotLog, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, base_date, target_date, item_count, created_by, created_at
		FROM snapshot_logs
		ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot logs: %w", err)
	}
	defer rows.Close()

	var out []stock.SnapshotLog
	for rows.Next() {
		var (
			l         stock.SnapshotLog
			base      sql.NullString
			target    string
			createdAt string
		)
		if err := rows.Scan(&l.ID, &base, &target, &l.ItemCount, &l.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot log: %w", err)
		}
		if base.Valid {
			l.BaseDate, _ = stock.ParseDate(base.String)
		}
		l.TargetDate, _ = stock.ParseDate(target)
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// ARCHIVE
// =============================================================================

func (q *queries) ReplaceArchiveRange(ctx context.Context, r stock.DateRange, rows []stock.ArchiveRow) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM archive_rows WHERE range_start = ? AND range_end = ?`,
		r.Start.String(), r.End.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to clear archive range: %w", err)
	}
	for _, a := range rows {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO archive_rows
			(id, item_id, item_name, purchase_qty, sale_qty, return_qty, net_qty, range_start, range_end, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ItemID, a.ItemName,
			a.PurchaseQty.String(), a.SaleQty.String(), a.ReturnQty.String(), a.NetQty().String(),
			a.Range.Start.String(), a.Range.End.String(), formatTime(a.ArchivedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", a.ItemID, err)
		}
	}
	return nil
}

func (q *queries) ArchiveRows(ctx context.Context, r stock.DateRange) ([]stock.ArchiveRow, error) {
	start, end := bounds(r)
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, item_id, item_name, purchase_qty, sale_qty, return_qty, range_start, range_end, archived_at
		FROM archive_rows
		WHERE range_start >= ? AND range_end <= ?
		ORDER BY range_start, item_id`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []stock.ArchiveRow
	for rows.Next() {
		var (
			a                    stock.ArchiveRow
			purchase, sale, ret  string
			rangeStart, rangeEnd string
			archivedAt           string
		)
		if err := rows.Scan(&a.ID, &a.ItemID, &a.ItemName, &purchase, &sale, &ret,
			&rangeStart, &rangeEnd, &archivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		if a.PurchaseQty, err = parseQty(purchase); err != nil {
			return nil, err
		}
		if a.SaleQty, err = parseQty(sale); err != nil {
			return nil, err
		}
		if a.ReturnQty, err = parseQty(ret); err != nil {
			return nil, err
		}
		a.Range.Start, _ = stock.ParseDate(rangeStart)
		a.Range.End, _ = stock.ParseDate(rangeEnd)
		a.ArchivedAt = parseTime(archivedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// bounds maps a range to inclusive text bounds; zero ends are unbounded.
func bounds(r stock.DateRange) (string, string) {
	start, end := minDate, maxDate
	if !r.Start.IsZero() {
		start = r.Start.String()
	}
	if !r.End.IsZero() {
		end = r.End.String()
	}
	return start, end
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t.UTC()
}

func parseQty(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("corrupt quantity %q: %w", s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
