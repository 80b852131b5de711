package stock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/stock/storetest"
)

func januaryFirstTen() stock.DateRange {
	return stock.DateRange{Start: d("2024-01-01"), End: d("2024-01-10")}
}

func TestArchive_TransferThenPurge(t *testing.T) {
	// GIVEN: The example ledger
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	archiver := stock.NewArchiver(s, stock.NewEngine(s))
	r := januaryFirstTen()

	// WHEN: Transferring then purging the range
	n, err := archiver.TransferToArchive(ctx, r)
	require.NoError(t, err)
	purged, err := archiver.PurgeLedgerRange(ctx, r)
	require.NoError(t, err)

	// THEN: One archive row with the range totals
	assert.Equal(t, 1, n)
	assert.Equal(t, stock.PurgeResult{Purchases: 1, Sales: 1, Returns: 1}, purged)

	rows, err := archiver.ArchivedRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stock.ItemID("A1"), rows[0].ItemID)
	assert.Equal(t, "Widget", rows[0].ItemName)
	assert.True(t, q(10).Equal(rows[0].PurchaseQty))
	assert.True(t, q(3).Equal(rows[0].SaleQty))
	assert.True(t, q(1).Equal(rows[0].ReturnQty))
	assert.True(t, q(8).Equal(rows[0].NetQty()))
	assert.Equal(t, stock.ArchiveRowID(r, "A1"), rows[0].ID)

	// And no ledger rows remain in the range
	left, err := s.LedgerEntries(ctx, stock.LedgerFilter{Range: r, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestArchive_PreviewWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	archiver := stock.NewArchiver(s, stock.NewEngine(s))

	preview, err := archiver.Preview(ctx, januaryFirstTen())

	require.NoError(t, err)
	require.Len(t, preview, 1)
	assert.True(t, q(8).Equal(preview[0].NetQty()))

	rows, err := archiver.ArchivedRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestArchive_TransferIsRepeatable(t *testing.T) {
	// GIVEN: A range already transferred
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	archiver := stock.NewArchiver(s, stock.NewEngine(s))
	_, err := archiver.TransferToArchive(ctx, januaryFirstTen())
	require.NoError(t, err)

	// WHEN: Transferring it again after a late correction
	require.NoError(t, s.SoftDelete(ctx, stock.KindSale, "s1"))
	_, err = archiver.TransferToArchive(ctx, januaryFirstTen())
	require.NoError(t, err)

	// THEN: The earlier rows are replaced, not added to
	rows, err := archiver.ArchivedRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].SaleQty.IsZero())
	assert.True(t, q(11).Equal(rows[0].NetQty()))
}

func TestArchive_SkipsDeletedAndIdleItems(t *testing.T) {
	// GIVEN: B2 only has a soft-deleted purchase in the range
	ctx := context.Background()
	s := newSeeded(t, append(exampleLedger(), storetest.Purchase("p2", "B2", 4, "2024-01-02"))...)
	require.NoError(t, s.SoftDelete(ctx, stock.KindPurchase, "p2"))
	archiver := stock.NewArchiver(s, stock.NewEngine(s))

	// WHEN: Previewing
	rows, err := archiver.Preview(ctx, januaryFirstTen())

	// THEN: Only A1 is summarized
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stock.ItemID("A1"), rows[0].ItemID)
}

func TestArchive_RejectsInvertedRange(t *testing.T) {
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	archiver := stock.NewArchiver(s, stock.NewEngine(s))
	r := stock.DateRange{Start: d("2024-01-10"), End: d("2024-01-01")}

	_, err := archiver.Preview(ctx, r)
	assert.ErrorIs(t, err, stock.ErrInvalidRange)
	_, err = archiver.TransferToArchive(ctx, r)
	assert.ErrorIs(t, err, stock.ErrInvalidRange)
	_, err = archiver.PurgeLedgerRange(ctx, r)
	assert.ErrorIs(t, err, stock.ErrInvalidRange)
	_, err = archiver.ArchiveAndPurge(ctx, r, "test")
	assert.ErrorIs(t, err, stock.ErrInvalidRange)
	_, err = archiver.ArchivedRows(ctx, r)
	assert.ErrorIs(t, err, stock.ErrInvalidInput)

	// Nothing was touched
	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestArchive_SingleDayRange(t *testing.T) {
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	archiver := stock.NewArchiver(s, stock.NewEngine(s))

	res, err := archiver.PurgeLedgerRange(ctx, stock.DateRange{Start: d("2024-01-05"), End: d("2024-01-05")})

	require.NoError(t, err)
	assert.Equal(t, stock.PurgeResult{Sales: 1}, res)
}

// =============================================================================
// ARCHIVE AND PURGE
// =============================================================================

func TestArchiveAndPurge_LaterStockUnchanged(t *testing.T) {
	// GIVEN: Activity inside and after the range, and an old checkpoint inside it
	ctx := context.Background()
	s := newSeeded(t, append(exampleLedger(),
		storetest.Sale("s2", "A1", 2, "2024-01-15"),
		storetest.Purchase("p2", "B2", 5, "2024-01-12"),
	)...)
	engine := stock.NewEngine(s)
	archiver := stock.NewArchiver(s, engine)
	_, err := engine.CreateSnapshot(ctx, d("2024-01-03"), "test")
	require.NoError(t, err)

	var before []map[stock.ItemID]string
	for day := d("2024-01-10"); day.BeforeOrEqual(d("2024-01-20")); day = day.AddDays(1) {
		sheet, err := engine.ComputeStock(ctx, day)
		require.NoError(t, err)
		before = append(before, levels(sheet))
	}

	// WHEN: Archiving and purging the range
	res, err := archiver.ArchiveAndPurge(ctx, januaryFirstTen(), "archive")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", res.Checkpoint.TargetDate.String())
	assert.Equal(t, "2024-01-03", res.Checkpoint.BaseDate.String())
	assert.Equal(t, 1, res.Transferred)
	assert.Equal(t, int64(3), res.Purged.Total())

	// THEN: Every date from the range end on answers as before
	i := 0
	for day := d("2024-01-10"); day.BeforeOrEqual(d("2024-01-20")); day = day.AddDays(1) {
		sheet, err := engine.ComputeStock(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, before[i], levels(sheet), "as of %s", day)
		i++
	}
}

func TestArchiveAndPurge_EmptyCheckpointStillShieldsPurge(t *testing.T) {
	// GIVEN: Stock nets to zero by the range end, over an older non-zero checkpoint
	ctx := context.Background()
	s := newSeeded(t,
		storetest.Purchase("p1", "A1", 4, "2024-01-01"),
		storetest.Sale("s1", "A1", 4, "2024-01-08"),
		storetest.Purchase("p2", "A1", 1, "2024-01-15"),
	)
	engine := stock.NewEngine(s)
	archiver := stock.NewArchiver(s, engine)
	_, err := engine.CreateSnapshot(ctx, d("2024-01-03"), "test")
	require.NoError(t, err)

	// WHEN: Archiving and purging
	res, err := archiver.ArchiveAndPurge(ctx, januaryFirstTen(), "archive")
	require.NoError(t, err)
	assert.Zero(t, res.Checkpoint.ItemCount)

	// THEN: Later stock replays from the empty checkpoint, not the older one
	sheet, err := engine.ComputeStock(ctx, d("2024-01-20"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", sheet.Base.String())
	assert.Equal(t, map[stock.ItemID]string{"A1": "1"}, levels(sheet))
}

// purgeFails injects a purge error inside the transaction.
type purgeFails struct {
	stock.TxStore
}

func (p purgeFails) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	return p.TxStore.WithTx(ctx, func(s stock.Store) error {
		return fn(failingPurge{s})
	})
}

type failingPurge struct {
	stock.Store
}

func (failingPurge) PurgeLedger(context.Context, stock.DateRange) (stock.PurgeResult, error) {
	return stock.PurgeResult{}, errors.New("disk full")
}

func TestArchiveAndPurge_RollsBackOnFailure(t *testing.T) {
	// GIVEN: A store whose purge fails mid-transaction
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	broken := purgeFails{s}
	archiver := stock.NewArchiver(broken, stock.NewEngine(broken))

	// WHEN: Archiving and purging
	_, err := archiver.ArchiveAndPurge(ctx, januaryFirstTen(), "archive")

	// THEN: A store failure, and neither the checkpoint nor the archive survives
	require.Error(t, err)
	assert.True(t, stock.IsStoreFailure(err))
	var se *stock.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "archive and purge", se.Op)
	assert.Equal(t, januaryFirstTen(), se.Range)

	rows, err := s.ArchiveRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	logs, err := s.SnapshotLogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
	_, ok, err := s.LatestSnapshotDate(ctx, d("2024-12-31"))
	require.NoError(t, err)
	assert.False(t, ok)
	entries, err := s.LedgerEntries(ctx, stock.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestArchiveRowID_StablePerRangeAndItem(t *testing.T) {
	r := januaryFirstTen()

	assert.Equal(t, stock.ArchiveRowID(r, "A1"), stock.ArchiveRowID(r, "A1"))
	assert.NotEqual(t, stock.ArchiveRowID(r, "A1"), stock.ArchiveRowID(r, "B2"))
	assert.NotEqual(t, stock.ArchiveRowID(r, "A1"), stock.ArchiveRowID(stock.DateRange{Start: r.Start, End: d("2024-01-11")}, "A1"))
}

// =============================================================================
// RE-RUNS AFTER A PURGE
// =============================================================================

// archivedWithLaterSale archives and purges January 1-10 over the example
// ledger plus a sale of 2 on 01-15.
func archivedWithLaterSale(t *testing.T) (*stock.Engine, *stock.Archiver) {
	t.Helper()
	s := newSeeded(t, append(exampleLedger(), storetest.Sale("s2", "A1", 2, "2024-01-15"))...)
	engine := stock.NewEngine(s)
	archiver := stock.NewArchiver(s, engine)
	_, err := archiver.ArchiveAndPurge(context.Background(), januaryFirstTen(), "archive")
	require.NoError(t, err)
	return engine, archiver
}

func TestCreateSnapshot_RangeEndAfterPurgeKeepsStock(t *testing.T) {
	// GIVEN: An archived and purged range
	ctx := context.Background()
	engine, _ := archivedWithLaterSale(t)
	sheet, err := engine.ComputeStock(ctx, d("2024-01-20"))
	require.NoError(t, err)
	require.Equal(t, map[stock.ItemID]string{"A1": "6"}, levels(sheet))

	// WHEN: Checkpointing the range end again
	log, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "retry")

	// THEN: The checkpoint is rewritten from itself and later stock is unchanged
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", log.BaseDate.String())
	rows, err := engine.SnapshotAt(ctx, d("2024-01-10"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, q(8).Equal(rows[0].Quantity))

	sheet, err = engine.ComputeStock(ctx, d("2024-01-20"))
	require.NoError(t, err)
	assert.Equal(t, map[stock.ItemID]string{"A1": "6"}, levels(sheet))
}

func TestCreateSnapshot_InsidePurgedRangeRefused(t *testing.T) {
	ctx := context.Background()
	engine, _ := archivedWithLaterSale(t)

	_, err := engine.CreateSnapshot(ctx, d("2024-01-05"), "retry")

	assert.ErrorIs(t, err, stock.ErrRangePurged)
	assert.True(t, stock.IsClientError(err))
	_, ok, err := engine.LatestSnapshotDate(ctx, d("2024-01-09"))
	require.NoError(t, err)
	assert.False(t, ok, "nothing was written")
}

func TestCreateSnapshot_AfterPurgedRangeBuildsOnRangeEnd(t *testing.T) {
	ctx := context.Background()
	engine, _ := archivedWithLaterSale(t)

	log, err := engine.CreateSnapshot(ctx, d("2024-01-20"), "test")

	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", log.BaseDate.String())
	rows, err := engine.SnapshotAt(ctx, d("2024-01-20"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, q(6).Equal(rows[0].Quantity))
}

func TestArchive_TransferAfterPurgeKeepsArchive(t *testing.T) {
	// GIVEN: An archived and purged range
	ctx := context.Background()
	_, archiver := archivedWithLaterSale(t)

	// WHEN: Transferring or committing it again
	_, transferErr := archiver.TransferToArchive(ctx, januaryFirstTen())
	_, commitErr := archiver.ArchiveAndPurge(ctx, januaryFirstTen(), "retry")

	// THEN: Both are refused and the archive row is intact
	assert.ErrorIs(t, transferErr, stock.ErrRangePurged)
	assert.ErrorIs(t, commitErr, stock.ErrRangePurged)

	rows, err := archiver.ArchivedRows(ctx, stock.DateRange{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, q(8).Equal(rows[0].NetQty()))
}

func TestArchive_OverlappingPurgedRangeRefused(t *testing.T) {
	ctx := context.Background()
	_, archiver := archivedWithLaterSale(t)

	_, err := archiver.TransferToArchive(ctx, stock.DateRange{Start: d("2024-01-10"), End: d("2024-01-20")})
	assert.ErrorIs(t, err, stock.ErrRangePurged)

	// The adjacent range is free.
	n, err := archiver.TransferToArchive(ctx, stock.DateRange{Start: d("2024-01-11"), End: d("2024-01-20")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
