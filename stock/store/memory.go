// Package store provides Store implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var (
	_ stock.TxStore = (*Memory)(nil)
	_ stock.Viewer  = (*Memory)(nil)
)

type Memory struct {
	mu sync.RWMutex
	st *state

	// Clock stamps rows written without a creation time. Defaults to time.Now.
	Clock func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{Clock: time.Now}
	m.st = newState(m.now)
	return m
}

func (m *Memory) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock().UTC()
}

// state is the unlocked data set. Memory guards it with mu. WithTx hands the
// callback a copy under the write lock; View hands it the live state under
// the read lock.
type state struct {
	now func() time.Time

	items     map[stock.ItemID]stock.Item
	barcodes  map[string]stock.ItemID
	ledgers   map[stock.Kind][]stock.LedgerEntry
	entryIDs  map[stock.Kind]map[string]bool
	snapshots map[string][]stock.Snapshot
	logs      []stock.SnapshotLog
	archive   []stock.ArchiveRow
	purged    []stock.DateRange
}

func newState(now func() time.Time) *state {
	s := &state{
		now:       now,
		items:     make(map[stock.ItemID]stock.Item),
		barcodes:  make(map[string]stock.ItemID),
		ledgers:   make(map[stock.Kind][]stock.LedgerEntry),
		entryIDs:  make(map[stock.Kind]map[string]bool),
		snapshots: make(map[string][]stock.Snapshot),
	}
	for _, k := range stock.Kinds {
		s.entryIDs[k] = make(map[string]bool)
	}
	return s
}

func (s *state) clone() *state {
	c := newState(s.now)
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.barcodes {
		c.barcodes[k] = v
	}
	for k, v := range s.ledgers {
		c.ledgers[k] = append([]stock.LedgerEntry{}, v...)
	}
	for k, ids := range s.entryIDs {
		for id := range ids {
			c.entryIDs[k][id] = true
		}
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = append([]stock.Snapshot{}, v...)
	}
	c.logs = append([]stock.SnapshotLog{}, s.logs...)
	c.archive = append([]stock.ArchiveRow{}, s.archive...)
	c.purged = append([]stock.DateRange{}, s.purged...)
	return c
}

// =============================================================================
// LOCKED ACCESS
// =============================================================================

func (m *Memory) SaveItem(ctx context.Context, item stock.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveItem(ctx, item)
}

func (m *Memory) Items(ctx context.Context) ([]stock.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Items(ctx)
}

func (m *Memory) ItemByBarcode(ctx context.Context, barcode string) (stock.Item, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ItemByBarcode(ctx, barcode)
}

func (m *Memory) Movements(ctx context.Context, r stock.DateRange) ([]stock.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Movements(ctx, r)
}

func (m *Memory) LedgerEntries(ctx context.Context, f stock.LedgerFilter) ([]stock.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LedgerEntries(ctx, f)
}

// AppendEntries adds entries atomically: all or none.
func (m *Memory) AppendEntries(ctx context.Context, entries []stock.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendEntries(ctx, entries)
}

func (m *Memory) SoftDelete(ctx context.Context, kind stock.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SoftDelete(ctx, kind, id)
}

func (m *Memory) LatestSnapshotDate(ctx context.Context, onOrBefore stock.Date) (stock.Date, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LatestSnapshotDate(ctx, onOrBefore)
}

func (m *Memory) SnapshotRows(ctx context.Context, date stock.Date) ([]stock.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SnapshotRows(ctx, date)
}

func (m *Memory) ReplaceSnapshot(ctx context.Context, date stock.Date, rows []stock.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReplaceSnapshot(ctx, date, rows)
}

func (m *Memory) AppendSnapshotLog(ctx context.Context, log stock.SnapshotLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendSnapshotLog(ctx, log)
}

func (m *Memory) SnapshotLogs(ctx context.Context) ([]stock.SnapshotLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SnapshotLogs(ctx)
}

func (m *Memory) ReplaceArchiveRange(ctx context.Context, r stock.DateRange, rows []stock.ArchiveRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ReplaceArchiveRange(ctx, r, rows)
}

func (m *Memory) ArchiveRows(ctx context.Context, r stock.DateRange) ([]stock.ArchiveRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ArchiveRows(ctx, r)
}

func (m *Memory) PurgeLedger(ctx context.Context, r stock.DateRange) (stock.PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.PurgeLedger(ctx, r)
}

func (m *Memory) PurgedRanges(ctx context.Context) ([]stock.DateRange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PurgedRanges(ctx)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.st = work
	return nil
}

// View runs fn under the read lock against the live state, without a copy.
// Writes made through the handed Store fail with ErrReadOnly.
func (m *Memory) View(ctx context.Context, fn func(stock.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(readOnly{m.st})
}

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("memory store: write inside read-only view")

type readOnly struct {
	*state
}

func (readOnly) SaveItem(context.Context, stock.Item) error { return ErrReadOnly }

func (readOnly) AppendEntries(context.Context, []stock.LedgerEntry) error { return ErrReadOnly }

func (readOnly) SoftDelete(context.Context, stock.Kind, string) error { return ErrReadOnly }

func (readOnly) ReplaceSnapshot(context.Context, stock.Date, []stock.Snapshot) error {
	return ErrReadOnly
}

func (readOnly) AppendSnapshotLog(context.Context, stock.SnapshotLog) error { return ErrReadOnly }

func (readOnly) ReplaceArchiveRange(context.Context, stock.DateRange, []stock.ArchiveRow) error {
	return ErrReadOnly
}

func (readOnly) PurgeLedger(context.Context, stock.DateRange) (stock.PurgeResult, error) {
	return stock.PurgeResult{}, ErrReadOnly
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *state) SaveItem(_ context.Context, item stock.Item) error {
	item = item.Normalize()
	if err := item.Validate(); err != nil {
		return err
	}
	if _, ok := s.items[item.ID]; ok {
		return stock.ErrDuplicateItem
	}
	if item.Barcode != "" {
		if _, ok := s.barcodes[item.Barcode]; ok {
			return stock.ErrDuplicateItem
		}
		s.barcodes[item.Barcode] = item.ID
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	s.items[item.ID] = item
	return nil
}

func (s *state) Items(_ context.Context) ([]stock.Item, error) {
	out := make([]stock.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) ItemByBarcode(_ context.Context, barcode string) (stock.Item, bool, error) {
	code := stock.NormalizeID(barcode)
	id, ok := s.barcodes[string(code)]
	if !ok {
		return stock.Item{}, false, nil
	}
	return s.items[id], true, nil
}

// =============================================================================
// LEDGERS
// =============================================================================

func (s *state) Movements(_ context.Context, r stock.DateRange) ([]stock.Movement, error) {
	var out []stock.Movement
	for _, k := range stock.Kinds {
		out = append(out, stock.MovementsOf(s.ledgers[k], r)...)
	}
	return out, nil
}

func (s *state) LedgerEntries(_ context.Context, f stock.LedgerFilter) ([]stock.LedgerEntry, error) {
	kinds := stock.Kinds
	if f.Kind != "" {
		kinds = []stock.Kind{f.Kind}
	}
	all := f.Range.Start.IsZero() && f.Range.End.IsZero()

	var out []stock.LedgerEntry
	for _, k := range kinds {
		for _, e := range s.ledgers[k] {
			if e.Deleted && !f.IncludeDeleted {
				continue
			}
			if !all && !f.Range.Contains(e.EffectiveDate()) {
				continue
			}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *state) AppendEntries(_ context.Context, entries []stock.LedgerEntry) error {
	now := s.now()
	batch := make([]stock.LedgerEntry, len(entries))
	seen := make(map[stock.Kind]map[string]bool)

	// Check everything first, then write.
	for i, e := range entries {
		e = e.Normalize(now)
		if err := e.Validate(); err != nil {
			return err
		}
		if s.entryIDs[e.Kind][e.ID] || seen[e.Kind][e.ID] {
			return stock.ErrDuplicateEntry
		}
		if seen[e.Kind] == nil {
			seen[e.Kind] = make(map[string]bool)
		}
		seen[e.Kind][e.ID] = true
		batch[i] = e
	}

	for _, e := range batch {
		s.ledgers[e.Kind] = append(s.ledgers[e.Kind], e)
		s.entryIDs[e.Kind][e.ID] = true
	}
	return nil
}

func (s *state) SoftDelete(_ context.Context, kind stock.Kind, id string) error {
	rows := s.ledgers[kind]
	for i := range rows {
		if rows[i].ID == id {
			rows[i].Deleted = true
			return nil
		}
	}
	return stock.ErrEntryNotFound
}

// PurgeLedger removes rows dated in r, soft-deleted ones included.
func (s *state) PurgeLedger(_ context.Context, r stock.DateRange) (stock.PurgeResult, error) {
	var res stock.PurgeResult
	for _, k := range stock.Kinds {
		kept := s.ledgers[k][:0:0]
		var n int64
		for _, e := range s.ledgers[k] {
			if r.Contains(e.EffectiveDate()) {
				delete(s.entryIDs[k], e.ID)
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.ledgers[k] = kept

		switch k {
		case stock.KindPurchase:
			res.Purchases = n
		case stock.KindSale:
			res.Sales = n
		case stock.KindReturn:
			res.Returns = n
		}
	}
	s.purged = append(s.purged, r)
	return res, nil
}

func (s *state) PurgedRanges(_ context.Context) ([]stock.DateRange, error) {
	return append([]stock.DateRange(nil), s.purged...), nil
}

func sortEntries(entries []stock.LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].EffectiveDate(), entries[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return entries[i].ID < entries[j].ID
	})
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *state) LatestSnapshotDate(_ context.Context, onOrBefore stock.Date) (stock.Date, bool, error) {
	var best stock.Date
	consider := func(d stock.Date) {
		if !d.After(onOrBefore) && (best.IsZero() || d.After(best)) {
			best = d
		}
	}
	for key, rows := range s.snapshots {
		if len(rows) > 0 {
			consider(stock.MustParseDate(key))
		}
	}
	for _, l := range s.logs {
		consider(l.TargetDate)
	}
	return best, !best.IsZero(), nil
}

func (s *state) SnapshotRows(_ context.Context, date stock.Date) ([]stock.Snapshot, error) {
	return append([]stock.Snapshot(nil), s.snapshots[date.String()]...), nil
}

func (s *state) ReplaceSnapshot(_ context.Context, date stock.Date, rows []stock.Snapshot) error {
	if len(rows) == 0 {
		delete(s.snapshots, date.String())
		return nil
	}
	cp := append([]stock.Snapshot(nil), rows...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ItemID < cp[j].ItemID })
	s.snapshots[date.String()] = cp
	return nil
}

func (s *state) AppendSnapshotLog(_ context.Context, log stock.SnapshotLog) error {
	s.logs = append(s.logs, log)
	return nil
}

func (s *state) SnapshotLogs(_ context.Context) ([]stock.SnapshotLog, error) {
	out := make([]stock.SnapshotLog, len(s.logs))
	for i, l := range s.logs {
		out[len(s.logs)-1-i] = l
	}
	return out, nil
}

// =============================================================================
// ARCHIVE
// =============================================================================

func (s *state) ReplaceArchiveRange(_ context.Context, r stock.DateRange, rows []stock.ArchiveRow) error {
	kept := s.archive[:0:0]
	for _, a := range s.archive {
		if a.Range.Start.Equal(r.Start) && a.Range.End.Equal(r.End) {
			continue
		}
		kept = append(kept, a)
	}
	s.archive = append(kept, rows...)
	return nil
}

func (s *state) ArchiveRows(_ context.Context, r stock.DateRange) ([]stock.ArchiveRow, error) {
	var out []stock.ArchiveRow
	for _, a := range s.archive {
		if r.Covers(a.Range) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Range.Start.Equal(out[j].Range.Start) {
			return out[i].Range.Start.Before(out[j].Range.Start)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}
