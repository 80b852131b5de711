/*
catalog.go - Identifier normalization and barcode resolution

CANONICAL IDENTIFIERS:
  Ledgers disagree on identifier types: one stores barcodes as text, another
  as numbers, so "00123", "123" and 123.0 all show up for the same item.
  Grouping on the raw value silently splits one item into several.

  NormalizeID is the single normalization point:
    - surrounding whitespace is trimmed
    - a purely numeric value collapses to its integer form ("00123" -> "123",
      "123.0" -> "123")
    - anything else is kept verbatim (case preserved)

  Stores call it at ingestion (Item.Normalize, LedgerEntry.Normalize) so every
  persisted identifier is already canonical and queries never convert.

RESOLUTION:
  Some return rows only know the scanned barcode. Resolver maps it to the
  catalog item. A barcode with no catalog match is dropped, not reported.
*/
package stock

import (
	"regexp"
	"strings"
	"time"
)

var numericID = regexp.MustCompile(`^[0-9]+(\.0+)?$`)

// NormalizeID converts a raw identifier to its canonical form.
func NormalizeID(raw string) ItemID {
	return ItemID(normalizeCode(raw))
}

func normalizeCode(raw string) string {
	s := strings.TrimSpace(raw)
	if !numericID.MatchString(s) {
		return s
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// Normalize returns the item with canonical id and barcode. An item without
// an id is identified by its barcode.
func (it Item) Normalize() Item {
	it.Barcode = normalizeCode(it.Barcode)
	it.ID = NormalizeID(string(it.ID))
	if it.ID == "" {
		it.ID = ItemID(it.Barcode)
	}
	it.Name = strings.TrimSpace(it.Name)
	return it
}

// Validate rejects items that cannot be keyed.
func (it Item) Validate() error {
	if it.ID == "" {
		return &InputError{Field: "item_id", Reason: "missing id and barcode"}
	}
	return nil
}

// Normalize returns the entry with canonical identifiers. A zero CreatedAt is
// replaced by now so returns always have an effective date, which is copied
// into Date.
func (e LedgerEntry) Normalize(now time.Time) LedgerEntry {
	e.ItemID = NormalizeID(string(e.ItemID))
	e.Barcode = normalizeCode(e.Barcode)
	e.ItemName = strings.TrimSpace(e.ItemName)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.Kind == KindReturn {
		e.Date = DateOf(e.CreatedAt)
	}
	return e
}

// Validate rejects entries the ledgers cannot store.
func (e LedgerEntry) Validate() error {
	switch e.Kind {
	case KindPurchase, KindSale:
		if e.ItemID == "" {
			return &InputError{Field: "item_id", Reason: "missing"}
		}
		if e.Date.IsZero() {
			return &InputError{Field: "date", Reason: "missing"}
		}
	case KindReturn:
		if e.ItemID == "" && e.Barcode == "" {
			return &InputError{Field: "barcode", Reason: "return needs an item id or barcode"}
		}
	default:
		return &InputError{Field: "kind", Reason: "unknown ledger " + string(e.Kind)}
	}
	if e.ID == "" {
		return &InputError{Field: "id", Reason: "missing"}
	}
	if e.Quantity.IsNegative() {
		return &InputError{Field: "qty", Reason: "negative quantity"}
	}
	return nil
}

// =============================================================================
// RESOLVER - barcode -> item
// =============================================================================

type Resolver struct {
	byBarcode map[string]Item
	byID      map[ItemID]Item
}

func NewResolver(items []Item) *Resolver {
	r := &Resolver{
		byBarcode: make(map[string]Item, len(items)),
		byID:      make(map[ItemID]Item, len(items)),
	}
	for _, it := range items {
		it = it.Normalize()
		r.byID[it.ID] = it
		if it.Barcode != "" {
			r.byBarcode[it.Barcode] = it
		}
	}
	return r
}

// Resolve finds the item scanned as barcode.
func (r *Resolver) Resolve(barcode string) (Item, bool) {
	code := normalizeCode(barcode)
	if code == "" {
		return Item{}, false
	}
	it, ok := r.byBarcode[code]
	return it, ok
}

// Name returns the catalog name of id, or fallback when unknown or blank.
func (r *Resolver) Name(id ItemID, fallback string) string {
	if it, ok := r.byID[id]; ok && it.Name != "" {
		return it.Name
	}
	return fallback
}
