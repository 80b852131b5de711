// Package storetest is the behavioural contract every stock.TxStore must
// satisfy. Each store package runs it against its own backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/stock"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) stock.TxStore

var errAbort = errors.New("abort")

// Run executes the full contract suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, newStore) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore) })
	t.Run("Returns", func(t *testing.T) { testReturns(t, newStore) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, newStore) })
	t.Run("Archive", func(t *testing.T) { testArchive(t, newStore) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore) })
	t.Run("Engine", func(t *testing.T) { testEngine(t, newStore) })
	t.Run("RetryAfterPurge", func(t *testing.T) { testRetryAfterPurge(t, newStore) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func d(s string) stock.Date { return stock.MustParseDate(s) }

func qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// Purchase builds a purchase row.
func Purchase(id, item string, q int64, date string) stock.LedgerEntry {
	return stock.LedgerEntry{ID: id, Kind: stock.KindPurchase, ItemID: stock.ItemID(item), Quantity: qty(q), Date: d(date)}
}

// Sale builds a sale row.
func Sale(id, item string, q int64, date string) stock.LedgerEntry {
	return stock.LedgerEntry{ID: id, Kind: stock.KindSale, ItemID: stock.ItemID(item), Quantity: qty(q), Date: d(date)}
}

// Return builds a barcode-only return recorded at noon UTC on date.
func Return(id, barcode string, q int64, date string) stock.LedgerEntry {
	return stock.LedgerEntry{
		ID:        id,
		Kind:      stock.KindReturn,
		Barcode:   barcode,
		Quantity:  qty(q),
		CreatedAt: d(date).Time().Add(12 * time.Hour),
	}
}

func seedCatalog(t *testing.T, s stock.Store) {
	t.Helper()
	require.NoError(t, s.SaveItem(context.Background(), stock.Item{ID: "A1", Barcode: "123", Name: "Widget"}))
}

func total(ms []stock.Movement, kind stock.Kind) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range ms {
		if m.Kind == kind {
			sum = sum.Add(m.Quantity)
		}
	}
	return sum
}

// =============================================================================
// CATALOG
// =============================================================================

func testCatalog(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "00123", Name: " Widget "}))
	require.NoError(t, s.SaveItem(ctx, stock.Item{Barcode: "456.0", Name: "Gadget"}))

	it, ok, err := s.ItemByBarcode(ctx, "123")
	require.NoError(t, err)
	require.True(t, ok, "barcode lookup must match the canonical form")
	assert.Equal(t, stock.ItemID("A1"), it.ID)
	assert.Equal(t, "Widget", it.Name)

	it, ok, err = s.ItemByBarcode(ctx, " 0456 ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stock.ItemID("456"), it.ID, "item without id is keyed by its barcode")

	_, ok, err = s.ItemByBarcode(ctx, "999")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.SaveItem(ctx, stock.Item{ID: "A2", Barcode: "123"})
	assert.ErrorIs(t, err, stock.ErrDuplicateItem)
	err = s.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "777"})
	assert.ErrorIs(t, err, stock.ErrDuplicateItem)

	items, err := s.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, stock.ItemID("456"), items[0].ID)
	assert.Equal(t, stock.ItemID("A1"), items[1].ID)
	assert.False(t, items[1].CreatedAt.IsZero())
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedger(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{
		Purchase("p1", "00123", 10, "2024-01-01"),
		Purchase("p2", "123", 5, "2024-01-03"),
		Sale("s1", " 123 ", 3, "2024-01-05"),
	}))

	ms, err := s.Movements(ctx, stock.Through(d("2024-01-10")))
	require.NoError(t, err)
	for _, m := range ms {
		assert.Equal(t, stock.ItemID("123"), m.ItemID, "identifiers are canonical after ingestion")
	}
	assert.True(t, qty(15).Equal(total(ms, stock.KindPurchase)))
	assert.True(t, qty(3).Equal(total(ms, stock.KindSale)))

	// Bounds are inclusive on both ends.
	ms, err = s.Movements(ctx, stock.DateRange{Start: d("2024-01-03"), End: d("2024-01-05")})
	require.NoError(t, err)
	assert.True(t, qty(5).Equal(total(ms, stock.KindPurchase)))
	assert.True(t, qty(3).Equal(total(ms, stock.KindSale)))

	// Duplicate ids reject the whole batch.
	err = s.AppendEntries(ctx, []stock.LedgerEntry{
		Purchase("p3", "123", 1, "2024-01-04"),
		Purchase("p1", "123", 1, "2024-01-04"),
	})
	assert.ErrorIs(t, err, stock.ErrDuplicateEntry)
	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{Kind: stock.KindPurchase})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "failed batch must not leave partial rows")

	// Soft-deleted rows disappear from movements but stay in the ledger.
	require.NoError(t, s.SoftDelete(ctx, stock.KindSale, "s1"))
	ms, err = s.Movements(ctx, stock.Through(d("2024-01-10")))
	require.NoError(t, err)
	assert.True(t, total(ms, stock.KindSale).IsZero())

	entries, err = s.LedgerEntries(ctx, stock.LedgerFilter{Kind: stock.KindSale, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Deleted)

	assert.ErrorIs(t, s.SoftDelete(ctx, stock.KindSale, "nope"), stock.ErrEntryNotFound)

	err = s.AppendEntries(ctx, []stock.LedgerEntry{{ID: "bad", Kind: stock.KindSale, Quantity: qty(1)}})
	assert.ErrorIs(t, err, stock.ErrInvalidInput)
}

func testReturns(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	seedCatalog(t, s)

	// 23:30 in UTC-5 is the next day in UTC.
	est := time.FixedZone("EST", -5*3600)
	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{
		Return("r1", "123", 1, "2024-01-06"),
		{ID: "r2", Kind: stock.KindReturn, Barcode: "123", Quantity: qty(2),
			CreatedAt: time.Date(2024, time.January, 6, 23, 30, 0, 0, est)},
		{ID: "r3", Kind: stock.KindReturn, ItemID: "A1", Quantity: decimal.RequireFromString("0.5"),
			CreatedAt: time.Date(2024, time.January, 6, 8, 0, 0, 0, time.UTC)},
	}))

	ms, err := s.Movements(ctx, stock.DateRange{Start: d("2024-01-06"), End: d("2024-01-06")})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.5").Equal(total(ms, stock.KindReturn)))

	ms, err = s.Movements(ctx, stock.DateRange{Start: d("2024-01-07"), End: d("2024-01-07")})
	require.NoError(t, err)
	assert.True(t, qty(2).Equal(total(ms, stock.KindReturn)), "returns are dated by their UTC creation day")

	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{Kind: stock.KindReturn})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "r1", entries[0].ID)
	assert.Equal(t, "r3", entries[1].ID)
	assert.Equal(t, "r2", entries[2].ID)
	assert.Equal(t, time.UTC, entries[2].CreatedAt.Location())
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func testSnapshots(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	_, ok, err := s.LatestSnapshotDate(ctx, d("2024-12-31"))
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	rows := func(date string, q int64) []stock.Snapshot {
		return []stock.Snapshot{
			{Date: d(date), ItemID: "B2", ItemName: "Bolt", Quantity: qty(q), CreatedAt: now},
			{Date: d(date), ItemID: "A1", ItemName: "Widget", Quantity: decimal.RequireFromString("2.25"), CreatedAt: now},
		}
	}
	require.NoError(t, s.ReplaceSnapshot(ctx, d("2024-01-10"), rows("2024-01-10", 8)))
	require.NoError(t, s.ReplaceSnapshot(ctx, d("2024-01-20"), rows("2024-01-20", 6)))

	latest, ok, err := s.LatestSnapshotDate(ctx, d("2024-01-15"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-01-10", latest.String())

	latest, _, err = s.LatestSnapshotDate(ctx, d("2024-01-20"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-20", latest.String(), "upper bound is inclusive")

	// Replacing keeps one row per (date, item).
	require.NoError(t, s.ReplaceSnapshot(ctx, d("2024-01-10"), []stock.Snapshot{
		{Date: d("2024-01-10"), ItemID: "B2", ItemName: "Bolt", Quantity: qty(9), CreatedAt: now},
	}))
	got, err := s.SnapshotRows(ctx, d("2024-01-10"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, qty(9).Equal(got[0].Quantity))

	got, err = s.SnapshotRows(ctx, d("2024-01-20"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, stock.ItemID("A1"), got[0].ItemID)
	assert.True(t, decimal.RequireFromString("2.25").Equal(got[0].Quantity))

	got, err = s.SnapshotRows(ctx, d("2024-03-01"))
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.AppendSnapshotLog(ctx, stock.SnapshotLog{ID: "l1", TargetDate: d("2024-01-10"), ItemCount: 2, CreatedBy: "ops", CreatedAt: now}))
	require.NoError(t, s.AppendSnapshotLog(ctx, stock.SnapshotLog{ID: "l2", BaseDate: d("2024-01-10"), TargetDate: d("2024-01-20"), ItemCount: 2, CreatedAt: now.Add(time.Hour)}))
	logs, err := s.SnapshotLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "l2", logs[0].ID, "newest first")
	assert.Equal(t, "2024-01-10", logs[0].BaseDate.String())
	assert.True(t, logs[1].BaseDate.IsZero())
	assert.Equal(t, "ops", logs[1].CreatedBy)

	// A logged checkpoint with no rows still counts as a base.
	require.NoError(t, s.AppendSnapshotLog(ctx, stock.SnapshotLog{ID: "l3", TargetDate: d("2024-02-01"), CreatedAt: now.Add(2 * time.Hour)}))
	latest, ok, err = s.LatestSnapshotDate(ctx, d("2024-02-15"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-02-01", latest.String())
	got, err = s.SnapshotRows(ctx, latest)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// =============================================================================
// ARCHIVE AND PURGE
// =============================================================================

func testArchive(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	jan := stock.DateRange{Start: d("2024-01-01"), End: d("2024-01-31")}
	feb := stock.DateRange{Start: d("2024-02-01"), End: d("2024-02-29")}
	row := func(r stock.DateRange, item string, p int64) stock.ArchiveRow {
		return stock.ArchiveRow{
			ID: stock.ArchiveRowID(r, stock.ItemID(item)), Range: r, ItemID: stock.ItemID(item),
			PurchaseQty: qty(p), SaleQty: qty(1), ReturnQty: decimal.Zero,
			ArchivedAt: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	require.NoError(t, s.ReplaceArchiveRange(ctx, jan, []stock.ArchiveRow{row(jan, "A1", 10), row(jan, "B2", 4)}))
	require.NoError(t, s.ReplaceArchiveRange(ctx, feb, []stock.ArchiveRow{row(feb, "A1", 7)}))

	// Re-transferring the same range replaces, never accumulates.
	require.NoError(t, s.ReplaceArchiveRange(ctx, jan, []stock.ArchiveRow{row(jan, "A1", 11)}))

	all, err := s.ArchiveRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2024-01-01", all[0].Range.Start.String())
	assert.True(t, qty(11).Equal(all[0].PurchaseQty))
	assert.True(t, qty(10).Equal(all[0].NetQty()))

	inFeb, err := s.ArchiveRows(ctx, feb)
	require.NoError(t, err)
	require.Len(t, inFeb, 1)
	assert.Equal(t, "2024-02-29", inFeb[0].Range.End.String())
}

func testPurge(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	seedCatalog(t, s)

	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{
		Purchase("p1", "A1", 10, "2024-01-01"),
		Purchase("p2", "A1", 4, "2024-02-01"),
		Sale("s1", "A1", 3, "2024-01-05"),
		Sale("s2", "A1", 1, "2024-01-07"),
		Return("r1", "123", 1, "2024-01-06"),
	}))
	require.NoError(t, s.SoftDelete(ctx, stock.KindSale, "s2"))

	res, err := s.PurgeLedger(ctx, stock.DateRange{Start: d("2024-01-01"), End: d("2024-01-31")})
	require.NoError(t, err)
	assert.Equal(t, stock.PurgeResult{Purchases: 1, Sales: 2, Returns: 1}, res, "soft-deleted rows are purged too")

	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p2", entries[0].ID)

	// Purged ids may be reused.
	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{Purchase("p1", "A1", 1, "2024-03-01")}))

	// The purge is recorded; one rolled back in a transaction is not.
	err = s.WithTx(ctx, func(tx stock.Store) error {
		if _, err := tx.PurgeLedger(ctx, stock.DateRange{Start: d("2024-03-01"), End: d("2024-03-31")}); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	purged, err := s.PurgedRanges(ctx)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, "[2024-01-01, 2024-01-31]", purged[0].String())
}

func testRollback(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)

	err := s.WithTx(ctx, func(tx stock.Store) error {
		require.NoError(t, tx.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "123"}))
		require.NoError(t, tx.AppendEntries(ctx, []stock.LedgerEntry{Purchase("p1", "A1", 10, "2024-01-01")}))
		require.NoError(t, tx.ReplaceSnapshot(ctx, d("2024-01-01"), []stock.Snapshot{
			{Date: d("2024-01-01"), ItemID: "A1", Quantity: qty(10), CreatedAt: time.Now().UTC()},
		}))
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	items, err := s.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, ok, err := s.LatestSnapshotDate(ctx, d("2024-12-31"))
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.WithTx(ctx, func(tx stock.Store) error {
		return tx.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "123"})
	})
	require.NoError(t, err)
	items, err = s.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// =============================================================================
// ENGINE END TO END
// =============================================================================

func testEngine(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	seedCatalog(t, s)

	engine := stock.NewEngine(s)
	archiver := stock.NewArchiver(s, engine)

	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{
		Purchase("p1", "A1", 10, "2024-01-01"),
		Sale("s1", "A1", 3, "2024-01-05"),
		Return("r1", "123", 1, "2024-01-06"),
	}))

	sheet, err := engine.ComputeStock(ctx, d("2024-01-10"))
	require.NoError(t, err)
	require.Len(t, sheet.Levels, 1)
	assert.True(t, qty(8).Equal(sheet.Quantity("A1")))
	assert.Equal(t, "Widget", sheet.Levels[0].ItemName)

	log, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, log.ItemCount)

	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{Sale("s2", "A1", 2, "2024-01-15")}))
	sheet, err = engine.ComputeStock(ctx, d("2024-01-20"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", sheet.Base.String())
	assert.True(t, qty(6).Equal(sheet.Quantity("A1")))

	res, err := archiver.ArchiveAndPurge(ctx, stock.DateRange{Start: d("2024-01-01"), End: d("2024-01-10")}, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transferred)
	assert.Equal(t, int64(3), res.Purged.Total())

	rows, err := archiver.ArchivedRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, qty(10).Equal(rows[0].PurchaseQty))
	assert.True(t, qty(3).Equal(rows[0].SaleQty))
	assert.True(t, qty(1).Equal(rows[0].ReturnQty))

	sheet, err = engine.ComputeStock(ctx, d("2024-01-20"))
	require.NoError(t, err)
	assert.True(t, qty(6).Equal(sheet.Quantity("A1")), "stock after the range survives the purge")

	// A full replay no longer sees the purged rows; the checkpoint still does.
	v, err := engine.Verify(ctx, d("2024-01-20"))
	require.NoError(t, err)
	require.Len(t, v.Drift, 1)
	assert.True(t, qty(6).Equal(v.Drift[0].Checkpointed))
	assert.True(t, qty(-2).Equal(v.Drift[0].Replayed))
}

// testRetryAfterPurge re-runs every archive step on a range that is already
// archived and purged. None of them may lose the archive record or the stock
// reconciled after the range.
func testRetryAfterPurge(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t)
	seedCatalog(t, s)

	engine := stock.NewEngine(s)
	archiver := stock.NewArchiver(s, engine)
	jan := stock.DateRange{Start: d("2024-01-01"), End: d("2024-01-10")}

	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{
		Purchase("p1", "A1", 10, "2024-01-01"),
		Sale("s1", "A1", 3, "2024-01-05"),
		Return("r1", "123", 1, "2024-01-06"),
		Sale("s2", "A1", 2, "2024-01-15"),
	}))
	_, err := archiver.ArchiveAndPurge(ctx, jan, "test")
	require.NoError(t, err)

	stockOn20th := func() decimal.Decimal {
		t.Helper()
		sheet, err := engine.ComputeStock(ctx, d("2024-01-20"))
		require.NoError(t, err)
		return sheet.Quantity("A1")
	}
	assertArchived := func() {
		t.Helper()
		rows, err := archiver.ArchivedRows(ctx, stock.DateRange{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, qty(8).Equal(rows[0].NetQty()))
	}
	require.True(t, qty(6).Equal(stockOn20th()))

	// Re-checkpointing the range end rewrites the same rows.
	log, err := engine.CreateSnapshot(ctx, jan.End, "retry")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", log.BaseDate.String())
	rows, err := s.SnapshotRows(ctx, jan.End)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, qty(8).Equal(rows[0].Quantity))
	assert.True(t, qty(6).Equal(stockOn20th()))

	// A checkpoint after the range builds on the range-end checkpoint.
	log, err = engine.CreateSnapshot(ctx, d("2024-01-20"), "retry")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", log.BaseDate.String())
	assert.True(t, qty(6).Equal(stockOn20th()))

	// A date inside the purged range without its own checkpoint cannot be rebuilt.
	_, err = engine.CreateSnapshot(ctx, d("2024-01-05"), "retry")
	assert.ErrorIs(t, err, stock.ErrRangePurged)

	// Transfer and commit over a purged range are refused.
	_, err = archiver.TransferToArchive(ctx, jan)
	assert.ErrorIs(t, err, stock.ErrRangePurged)
	_, err = archiver.ArchiveAndPurge(ctx, jan, "retry")
	assert.ErrorIs(t, err, stock.ErrRangePurged)
	_, err = archiver.TransferToArchive(ctx, stock.DateRange{Start: d("2024-01-08"), End: d("2024-01-12")})
	assert.ErrorIs(t, err, stock.ErrRangePurged, "partial overlap")

	assertArchived()
	assert.True(t, qty(6).Equal(stockOn20th()))

	// Activity after the purged range still archives.
	rest := stock.DateRange{Start: d("2024-01-11"), End: d("2024-01-31")}
	res, err := archiver.ArchiveAndPurge(ctx, rest, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transferred)
	assert.True(t, qty(6).Equal(stockOn20th()))
}
