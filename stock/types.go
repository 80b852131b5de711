/*
Package stock provides the point-in-time stock reconciliation engine.

PURPOSE:
  Answers "how many of each item were on hand as of date D?" from three
  append-only ledgers (purchases, sales, sale returns). Instead of replaying
  the whole history on every query, the engine materializes snapshots and
  replays only the ledger entries after the latest applicable one.

KEY CONCEPTS IN THIS FILE (types.go):
  - ItemID: Canonical item identifier (see catalog.go for normalization)
  - LedgerEntry: One purchase, sale or return row
  - Movement: A ledger contribution as returned by a store for a date range
  - Snapshot / SnapshotLog: Persisted checkpoints and their audit trail
  - ArchiveRow: Cold-storage summary of a purged date range
  - StockSheet: The answer to a point-in-time query

SIGN CONVENTION:
  purchases + , sales - , returns +
  stock(D) = base + purchases - sales + returns

PRECISION:
  Quantities use decimal.Decimal so fractional units (kg, litres) add up
  exactly across long replays.

SEE ALSO:
  - reconcile.go: ComputeStock / CreateSnapshot
  - archive.go: Archive lifecycle
  - store.go: Persistence interfaces
*/
package stock

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ItemID is the canonical identifier of an item. Values are produced by
// NormalizeID; never build one from raw ledger text directly.
type ItemID string

func (id ItemID) String() string { return string(id) }

// Item is a catalog entry. Immutable once created.
type Item struct {
	ID        ItemID
	Barcode   string
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// LEDGER
// =============================================================================

type Kind string

const (
	KindPurchase Kind = "purchase"
	KindSale     Kind = "sale"
	KindReturn   Kind = "return"
)

// Kinds lists every ledger in a stable order.
var Kinds = []Kind{KindPurchase, KindSale, KindReturn}

// ParseKind accepts the singular kind name or the plural ledger name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "purchase", "purchases":
		return KindPurchase, nil
	case "sale", "sales":
		return KindSale, nil
	case "return", "returns", "sale_returns":
		return KindReturn, nil
	}
	return "", &InputError{Field: "kind", Reason: fmt.Sprintf("unknown ledger %q", s)}
}

// Sign is the direction the kind moves stock.
func (k Kind) Sign() decimal.Decimal {
	if k == KindSale {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// LedgerEntry is one row of a ledger. Quantity is the recorded magnitude;
// its effect on stock is Quantity * Kind.Sign().
//
// Returns are keyed by creation timestamp, not by Date, and may carry only a
// Barcode which the catalog resolves to an item.
type LedgerEntry struct {
	ID        string
	Kind      Kind
	ItemID    ItemID
	ItemName  string
	Barcode   string
	Quantity  decimal.Decimal
	Date      Date
	CreatedAt time.Time
	Deleted   bool
}

// EffectiveDate is the date the entry counts against.
func (e LedgerEntry) EffectiveDate() Date {
	if e.Kind == KindReturn {
		return DateOf(e.CreatedAt)
	}
	return e.Date
}

// Delta is the signed stock change of the entry.
func (e LedgerEntry) Delta() decimal.Decimal {
	return e.Quantity.Mul(e.Kind.Sign())
}

// Movement is a non-deleted ledger contribution inside a date range. Stores
// may return one Movement per row or pre-aggregate per (kind, item, barcode);
// the engine sums them either way.
type Movement struct {
	Kind     Kind
	ItemID   ItemID // empty when only a barcode is known
	ItemName string
	Barcode  string
	Quantity decimal.Decimal
}

// LedgerFilter selects rows for LedgerEntries.
type LedgerFilter struct {
	Kind           Kind // empty = all ledgers
	Range          DateRange
	IncludeDeleted bool
}

// PurgeResult counts rows removed from each ledger.
type PurgeResult struct {
	Purchases int64
	Sales     int64
	Returns   int64
}

func (p PurgeResult) Total() int64 { return p.Purchases + p.Sales + p.Returns }

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Snapshot is the materialized quantity of one item at the end of Date.
// At most one row exists per (Date, ItemID); zero quantities are not stored.
type Snapshot struct {
	Date      Date
	ItemID    ItemID
	ItemName  string
	Quantity  decimal.Decimal
	CreatedAt time.Time
}

// SnapshotLog records one CreateSnapshot call. The replay it covered is
// (BaseDate, TargetDate]; a zero BaseDate means full history.
type SnapshotLog struct {
	ID         string
	BaseDate   Date
	TargetDate Date
	ItemCount  int
	CreatedBy  string
	CreatedAt  time.Time
}

// =============================================================================
// ARCHIVE
// =============================================================================

// ArchiveRow is the durable summary of one item's activity over Range.
type ArchiveRow struct {
	ID          string
	Range       DateRange
	ItemID      ItemID
	ItemName    string
	PurchaseQty decimal.Decimal
	SaleQty     decimal.Decimal
	ReturnQty   decimal.Decimal
	ArchivedAt  time.Time
}

// NetQty is purchases - sales + returns over the range.
func (r ArchiveRow) NetQty() decimal.Decimal {
	return r.PurchaseQty.Sub(r.SaleQty).Add(r.ReturnQty)
}

// =============================================================================
// STOCK SHEET - Result of a point-in-time query
// =============================================================================

type StockLevel struct {
	ItemID   ItemID
	ItemName string
	Quantity decimal.Decimal
}

// StockSheet holds every non-zero stock level as of AsOf. Base is the
// snapshot date the replay started from, zero if none was used.
type StockSheet struct {
	AsOf   Date
	Base   Date
	Levels []StockLevel
}

// Quantities returns the sheet as an ItemID -> quantity mapping.
func (s *StockSheet) Quantities() map[ItemID]decimal.Decimal {
	out := make(map[ItemID]decimal.Decimal, len(s.Levels))
	for _, l := range s.Levels {
		out[l.ItemID] = l.Quantity
	}
	return out
}

// Quantity returns the level for one item, zero when absent.
func (s *StockSheet) Quantity(id ItemID) decimal.Decimal {
	for _, l := range s.Levels {
		if l.ItemID == id {
			return l.Quantity
		}
	}
	return decimal.Zero
}

func sortLevels(levels []StockLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].ItemID < levels[j].ItemID })
}
