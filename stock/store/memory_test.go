package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-engine/stock"
	"github.com/warp/stock-engine/stock/store"
	"github.com/warp/stock-engine/stock/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) stock.TxStore {
		return store.NewMemory()
	})
}

func TestMemory_ViewRejectsWrites(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.View(ctx, func(s stock.Store) error {
		assert.ErrorIs(t, s.SaveItem(ctx, stock.Item{ID: "A1"}), store.ErrReadOnly)
		assert.ErrorIs(t, s.AppendEntries(ctx, []stock.LedgerEntry{storetest.Purchase("p1", "A1", 1, "2024-01-01")}), store.ErrReadOnly)
		_, err := s.PurgeLedger(ctx, stock.DateRange{Start: stock.MustParseDate("2024-01-01"), End: stock.MustParseDate("2024-01-31")})
		assert.ErrorIs(t, err, store.ErrReadOnly)
		return nil
	})
	require.NoError(t, err)

	items, err := m.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	purged, err := m.PurgedRanges(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
}

func TestMemory_ViewsRunConcurrently(t *testing.T) {
	// GIVEN: A view that stays open
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "123", Name: "Widget"}))

	inner := make(chan int, 1)
	err := m.View(ctx, func(stock.Store) error {
		// WHEN: A second reader starts while the first is still open
		go func() {
			_ = m.View(ctx, func(s stock.Store) error {
				items, err := s.Items(ctx)
				if err != nil {
					return err
				}
				inner <- len(items)
				return nil
			})
		}()

		// THEN: It completes without waiting for the first
		select {
		case n := <-inner:
			assert.Equal(t, 1, n)
		case <-time.After(2 * time.Second):
			t.Error("second view blocked behind the first")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ComputeStockUsesView(t *testing.T) {
	// GIVEN: A store whose catalog is being read by the engine
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveItem(ctx, stock.Item{ID: "A1", Barcode: "123", Name: "Widget"}))
	require.NoError(t, m.AppendEntries(ctx, []stock.LedgerEntry{storetest.Purchase("p1", "A1", 5, "2024-01-01")}))

	// WHEN: Computing stock while another reader holds a view
	done := make(chan *stock.StockSheet, 1)
	err := m.View(ctx, func(stock.Store) error {
		go func() {
			sheet, err := stock.NewEngine(m).ComputeStock(ctx, stock.MustParseDate("2024-01-10"))
			if err == nil {
				done <- sheet
			}
		}()
		select {
		case sheet := <-done:
			// THEN: The read is not serialized behind the open view
			assert.Equal(t, "5", sheet.Quantity("A1").String())
		case <-time.After(2 * time.Second):
			t.Error("ComputeStock waited for the write lock")
		}
		return nil
	})
	require.NoError(t, err)
}
