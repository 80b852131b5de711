package stock

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TALLY - per-item purchase/sale/return totals over some window
// =============================================================================

// Tally is the folded activity of one item.
type Tally struct {
	ItemID    ItemID
	ItemName  string
	Purchased decimal.Decimal
	Sold      decimal.Decimal
	Returned  decimal.Decimal
}

// Net is purchases - sales + returns.
func (t Tally) Net() decimal.Decimal {
	return t.Purchased.Sub(t.Sold).Add(t.Returned)
}

// Active reports whether any component is non-zero.
func (t Tally) Active() bool {
	return !t.Purchased.IsZero() || !t.Sold.IsZero() || !t.Returned.IsZero()
}

// Fold sums movements per item. Movements without an item id are resolved
// by barcode; unresolvable ones are skipped. Names prefer the catalog, then
// the first non-blank name seen on the ledger. The result is ordered by id.
func Fold(movements []Movement, resolver *Resolver) []Tally {
	byItem := make(map[ItemID]*Tally)

	for _, m := range movements {
		id, name := m.ItemID, m.ItemName
		if id == "" {
			item, ok := resolver.Resolve(m.Barcode)
			if !ok {
				continue
			}
			id, name = item.ID, item.Name
		}

		t, ok := byItem[id]
		if !ok {
			t = &Tally{ItemID: id}
			byItem[id] = t
		}
		if t.ItemName == "" {
			t.ItemName = name
		}

		switch m.Kind {
		case KindPurchase:
			t.Purchased = t.Purchased.Add(m.Quantity)
		case KindSale:
			t.Sold = t.Sold.Add(m.Quantity)
		case KindReturn:
			t.Returned = t.Returned.Add(m.Quantity)
		}
	}

	out := make([]Tally, 0, len(byItem))
	for _, t := range byItem {
		t.ItemName = resolver.Name(t.ItemID, t.ItemName)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// MovementsOf turns raw entries into movements, applying the window and the
// soft-delete filter. Stores without SQL-side filtering build on this.
func MovementsOf(entries []LedgerEntry, r DateRange) []Movement {
	var out []Movement
	for _, e := range entries {
		if e.Deleted || !r.Contains(e.EffectiveDate()) {
			continue
		}
		out = append(out, Movement{
			Kind:     e.Kind,
			ItemID:   e.ItemID,
			ItemName: e.ItemName,
			Barcode:  e.Barcode,
			Quantity: e.Quantity,
		})
	}
	return out
}
