package stock_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/stock/store"
	"github.com/warp/stock-engine/stock/storetest"
)

func d(s string) stock.Date { return stock.MustParseDate(s) }

func q(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// levels renders a sheet as item -> decimal string for comparison.
func levels(s *stock.StockSheet) map[stock.ItemID]string {
	out := make(map[stock.ItemID]string, len(s.Levels))
	for _, l := range s.Levels {
		out[l.ItemID] = l.Quantity.String()
	}
	return out
}

// newSeeded returns a memory store with A1 (barcode 123) and B2 (barcode 456).
func newSeeded(t *testing.T, entries ...stock.LedgerEntry) *store.Memory {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "123", Name: "Widget"}))
	require.NoError(t, s.SaveItem(ctx, stock.Item{ID: "B2", Barcode: "456", Name: "Gadget"}))
	if len(entries) > 0 {
		require.NoError(t, s.AppendEntries(ctx, entries))
	}
	return s
}

func exampleLedger() []stock.LedgerEntry {
	return []stock.LedgerEntry{
		storetest.Purchase("p1", "A1", 10, "2024-01-01"),
		storetest.Sale("s1", "A1", 3, "2024-01-05"),
		storetest.Return("r1", "123", 1, "2024-01-06"),
	}
}

// =============================================================================
// COMPUTE STOCK
// =============================================================================

func TestComputeStock_CheckpointThenSale(t *testing.T) {
	// GIVEN: Purchase 10, sale 3, return 1 by barcode
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	engine := stock.NewEngine(s)

	// WHEN: Computing stock at 01-10
	sheet, err := engine.ComputeStock(ctx, d("2024-01-10"))

	// THEN: {A1: 8}
	require.NoError(t, err)
	assert.Equal(t, map[stock.ItemID]string{"A1": "8"}, levels(sheet))
	assert.True(t, sheet.Base.IsZero())

	// WHEN: Checkpointing and selling 2 on 01-15
	_, err = engine.CreateSnapshot(ctx, d("2024-01-10"), "test")
	require.NoError(t, err)
	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{storetest.Sale("s2", "A1", 2, "2024-01-15")}))

	// THEN: base 8 - 2 sales
	sheet, err = engine.ComputeStock(ctx, d("2024-01-20"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", sheet.Base.String())
	require.Len(t, sheet.Levels, 1)
	assert.True(t, q(6).Equal(sheet.Quantity("A1")))
	assert.Equal(t, "Widget", sheet.Levels[0].ItemName)
}

func TestComputeStock_ReturnsAddBack(t *testing.T) {
	ctx := context.Background()
	s := newSeeded(t,
		storetest.Purchase("p1", "A1", 5, "2024-01-01"),
		storetest.Return("r1", "123", 2, "2024-01-02"),
	)

	sheet, err := stock.NewEngine(s).ComputeStock(ctx, d("2024-01-02"))

	require.NoError(t, err)
	assert.True(t, q(7).Equal(sheet.Quantity("A1")))
}

func TestComputeStock_SoftDeletedContributesNothing(t *testing.T) {
	// GIVEN: The example ledger with the sale soft-deleted
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	require.NoError(t, s.SoftDelete(ctx, stock.KindSale, "s1"))

	// WHEN: Computing stock
	sheet, err := stock.NewEngine(s).ComputeStock(ctx, d("2024-01-10"))

	// THEN: The sale is ignored
	require.NoError(t, err)
	assert.True(t, q(11).Equal(sheet.Quantity("A1")))
}

func TestComputeStock_UnresolvedBarcodeIgnored(t *testing.T) {
	// GIVEN: A return whose barcode is not in the catalog
	ctx := context.Background()
	s := newSeeded(t,
		storetest.Purchase("p1", "A1", 4, "2024-01-01"),
		storetest.Return("r1", "999", 3, "2024-01-02"),
	)

	// WHEN: Computing stock
	sheet, err := stock.NewEngine(s).ComputeStock(ctx, d("2024-01-05"))

	// THEN: No phantom item appears
	require.NoError(t, err)
	assert.Equal(t, map[stock.ItemID]string{"A1": "4"}, levels(sheet))
}

func TestComputeStock_EmptyBeforeAnyActivity(t *testing.T) {
	s := newSeeded(t, exampleLedger()...)

	sheet, err := stock.NewEngine(s).ComputeStock(context.Background(), d("2023-12-31"))

	require.NoError(t, err)
	assert.Empty(t, sheet.Levels)
}

func TestComputeStock_ZeroQuantitiesDropped(t *testing.T) {
	s := newSeeded(t,
		storetest.Purchase("p1", "A1", 3, "2024-01-01"),
		storetest.Sale("s1", "A1", 3, "2024-01-02"),
		storetest.Purchase("p2", "B2", 1, "2024-01-02"),
	)

	sheet, err := stock.NewEngine(s).ComputeStock(context.Background(), d("2024-01-03"))

	require.NoError(t, err)
	assert.Equal(t, map[stock.ItemID]string{"B2": "1"}, levels(sheet))
}

func TestComputeStock_FragmentedIdentifiers(t *testing.T) {
	// GIVEN: The same item written three ways across ledgers
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.AppendEntries(ctx, []stock.LedgerEntry{
		storetest.Purchase("p1", "00123", 10, "2024-01-01"),
		storetest.Sale("s1", "123", 2, "2024-01-02"),
		storetest.Sale("s2", "123.0", 1, "2024-01-03"),
	}))

	// WHEN: Computing stock
	sheet, err := stock.NewEngine(s).ComputeStock(ctx, d("2024-01-05"))

	// THEN: One canonical item
	require.NoError(t, err)
	assert.Equal(t, map[stock.ItemID]string{"123": "7"}, levels(sheet))
}

func TestComputeStock_DecimalQuantities(t *testing.T) {
	ctx := context.Background()
	p := storetest.Purchase("p1", "A1", 0, "2024-01-01")
	p.Quantity = decimal.RequireFromString("2.5")
	sale := storetest.Sale("s1", "A1", 0, "2024-01-02")
	sale.Quantity = decimal.RequireFromString("0.75")
	s := newSeeded(t, p, sale)

	sheet, err := stock.NewEngine(s).ComputeStock(ctx, d("2024-01-02"))

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.75").Equal(sheet.Quantity("A1")))
}

func TestComputeStock_PartialSnapshotUsesGlobalBase(t *testing.T) {
	// GIVEN: B2 sells out between two checkpoints, so the later one has no B2 row
	ctx := context.Background()
	s := newSeeded(t,
		storetest.Purchase("p1", "A1", 10, "2024-01-01"),
		storetest.Purchase("p2", "B2", 5, "2024-01-01"),
		storetest.Sale("s1", "B2", 5, "2024-01-03"),
	)
	engine := stock.NewEngine(s)
	_, err := engine.CreateSnapshot(ctx, d("2024-01-02"), "test")
	require.NoError(t, err)
	_, err = engine.CreateSnapshot(ctx, d("2024-01-04"), "test")
	require.NoError(t, err)

	// WHEN: Computing after the later checkpoint
	sheet, err := engine.ComputeStock(ctx, d("2024-01-05"))

	// THEN: The latest date is the base for every item and B2 starts from zero
	require.NoError(t, err)
	assert.Equal(t, "2024-01-04", sheet.Base.String())
	assert.Equal(t, map[stock.ItemID]string{"A1": "10"}, levels(sheet))
}

func TestComputeStock_MissingDate(t *testing.T) {
	_, err := stock.NewEngine(store.NewMemory()).ComputeStock(context.Background(), stock.Date{})

	assert.ErrorIs(t, err, stock.ErrInvalidInput)
}

// failingTx fails every transaction with err.
type failingTx struct {
	stock.TxStore
	err error
}

func (f failingTx) WithTx(context.Context, func(stock.Store) error) error { return f.err }

func TestComputeStock_StoreFailure(t *testing.T) {
	cause := errors.New("connection reset")
	engine := stock.NewEngine(failingTx{TxStore: store.NewMemory(), err: cause})

	_, err := engine.ComputeStock(context.Background(), d("2024-01-10"))

	require.Error(t, err)
	assert.ErrorIs(t, err, stock.ErrStoreFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, err.Error(), "connection reset")
	var se *stock.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "compute stock", se.Op)
}

// =============================================================================
// CHECKPOINT == REPLAY
// =============================================================================

func TestComputeStock_MatchesReplay(t *testing.T) {
	// GIVEN: Sixty days of random activity over three items, with random checkpoints
	ctx := context.Background()
	rng := rand.New(rand.NewSource(20240101))
	s := newSeeded(t)
	require.NoError(t, s.SaveItem(ctx, stock.Item{ID: "C3", Barcode: "789", Name: "Doohickey"}))
	engine := stock.NewEngine(s)

	items := []string{"A1", "B2", "C3"}
	barcodes := []string{"123", "456", "789", "000"}
	start := d("2024-01-01")

	var entries []stock.LedgerEntry
	for i := 0; i < 300; i++ {
		day := start.AddDays(rng.Intn(60)).String()
		id := fmt.Sprintf("e%d", i)
		switch rng.Intn(3) {
		case 0:
			entries = append(entries, storetest.Purchase(id, items[rng.Intn(3)], int64(rng.Intn(20)), day))
		case 1:
			entries = append(entries, storetest.Sale(id, items[rng.Intn(3)], int64(rng.Intn(10)), day))
		default:
			entries = append(entries, storetest.Return(id, barcodes[rng.Intn(4)], int64(rng.Intn(3)), day))
		}
	}
	require.NoError(t, s.AppendEntries(ctx, entries))
	for i := 0; i < 20; i++ {
		e := entries[rng.Intn(len(entries))]
		require.NoError(t, s.SoftDelete(ctx, e.Kind, e.ID))
	}
	for i := 0; i < 6; i++ {
		_, err := engine.CreateSnapshot(ctx, start.AddDays(rng.Intn(60)), "test")
		require.NoError(t, err)
	}

	// WHEN/THEN: Every day answers the same with and without checkpoints
	for day := start.AddDays(-1); day.BeforeOrEqual(start.AddDays(62)); day = day.AddDays(1) {
		checkpointed, err := engine.ComputeStock(ctx, day)
		require.NoError(t, err)
		replayed, err := engine.ReplayStock(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, levels(replayed), levels(checkpointed), "as of %s", day)
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestCreateSnapshot_Idempotent(t *testing.T) {
	// GIVEN: The example ledger
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	engine := stock.NewEngine(s)

	// WHEN: Checkpointing the same date twice
	first, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "test")
	require.NoError(t, err)
	second, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "test")
	require.NoError(t, err)

	// THEN: Same rows, one per item, and two audit entries
	rows, err := engine.SnapshotAt(ctx, d("2024-01-10"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, q(8).Equal(rows[0].Quantity))
	assert.Equal(t, first.ItemCount, second.ItemCount)
	assert.True(t, second.BaseDate.IsZero(), "a checkpoint never uses itself as base")

	logs, err := engine.SnapshotHistory(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, second.ID, logs[0].ID, "newest first")
}

func TestCreateSnapshot_RecomputesFromLedger(t *testing.T) {
	// GIVEN: A checkpoint, then a correction to a row it covered
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	engine := stock.NewEngine(s)
	_, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "test")
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, stock.KindSale, "s1"))

	// THEN: The stale checkpoint still answers, and Verify reports the drift
	sheet, err := engine.ComputeStock(ctx, d("2024-01-10"))
	require.NoError(t, err)
	assert.True(t, q(8).Equal(sheet.Quantity("A1")))

	v, err := engine.Verify(ctx, d("2024-01-10"))
	require.NoError(t, err)
	require.False(t, v.Consistent())
	assert.True(t, q(8).Equal(v.Drift[0].Checkpointed))
	assert.True(t, q(11).Equal(v.Drift[0].Replayed))

	// WHEN: Re-checkpointing the date
	_, err = engine.CreateSnapshot(ctx, d("2024-01-10"), "test")
	require.NoError(t, err)

	// THEN: The correction is picked up
	v, err = engine.Verify(ctx, d("2024-01-10"))
	require.NoError(t, err)
	assert.True(t, v.Consistent())
}

func TestCreateSnapshot_BuildsOnEarlierCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newSeeded(t, exampleLedger()...)
	engine := stock.NewEngine(s)
	_, err := engine.CreateSnapshot(ctx, d("2024-01-03"), "test")
	require.NoError(t, err)

	log, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "test")

	require.NoError(t, err)
	assert.Equal(t, "2024-01-03", log.BaseDate.String())
	assert.Equal(t, "2024-01-10", log.TargetDate.String())
	assert.Equal(t, "test", log.CreatedBy)
	assert.NotEmpty(t, log.ID)
}

func TestCreateSnapshot_NoActivity(t *testing.T) {
	ctx := context.Background()
	engine := stock.NewEngine(newSeeded(t))

	log, err := engine.CreateSnapshot(ctx, d("2024-01-10"), "test")

	require.NoError(t, err)
	assert.Zero(t, log.ItemCount)
	latest, ok, err := engine.LatestSnapshotDate(ctx, d("2024-12-31"))
	require.NoError(t, err)
	assert.True(t, ok, "an empty checkpoint still counts as a base")
	sheet, err := engine.ComputeStock(ctx, d("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", sheet.Base.String())
	assert.Equal(t, "2024-01-10", latest.String())
}
