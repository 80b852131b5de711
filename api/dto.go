/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the stock package's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES AND QUANTITIES:
  Dates are YYYY-MM-DD strings. Quantities are decimal strings ("2.5") on
  output; requests accept a string or a JSON number.

VALIDATION:
  Request structs carry go-playground/validator tags, checked by
  Handler.decode before any store access.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// CATALOG
// =============================================================================

type ItemDTO struct {
	ID        string    `json:"id"`
	Barcode   string    `json:"barcode,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateItemRequest struct {
	ID      string `json:"id" validate:"required_without=Barcode"`
	Barcode string `json:"barcode"`
	Name    string `json:"name" validate:"max=200"`
}

func toItemDTO(it stock.Item) ItemDTO {
	return ItemDTO{ID: string(it.ID), Barcode: it.Barcode, Name: it.Name, CreatedAt: it.CreatedAt}
}

// =============================================================================
// LEDGERS
// =============================================================================

// LedgerEntryRequest is one row to ingest. Purchases and sales need item_id
// and date; returns need item_id or barcode and are dated by created_at.
type LedgerEntryRequest struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Barcode   string          `json:"barcode"`
	Quantity  decimal.Decimal `json:"qty"`
	Date      string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	CreatedAt *time.Time      `json:"created_at"`
}

type AppendEntriesRequest struct {
	Entries []LedgerEntryRequest `json:"entries" validate:"required,min=1,dive"`
}

type AppendEntriesResponse struct {
	IDs []string `json:"ids"`
}

type LedgerEntryDTO struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	ItemID    string          `json:"item_id,omitempty"`
	ItemName  string          `json:"item_name,omitempty"`
	Barcode   string          `json:"barcode,omitempty"`
	Quantity  decimal.Decimal `json:"qty"`
	Date      string          `json:"date"`
	CreatedAt time.Time       `json:"created_at"`
	Deleted   bool            `json:"is_deleted"`
}

func toLedgerEntryDTO(e stock.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:        e.ID,
		Kind:      string(e.Kind),
		ItemID:    string(e.ItemID),
		ItemName:  e.ItemName,
		Barcode:   e.Barcode,
		Quantity:  e.Quantity,
		Date:      e.EffectiveDate().String(),
		CreatedAt: e.CreatedAt,
		Deleted:   e.Deleted,
	}
}

// =============================================================================
// STOCK
// =============================================================================

type StockLevelDTO struct {
	ItemID   string          `json:"item_id"`
	ItemName string          `json:"item_name"`
	Quantity decimal.Decimal `json:"quantity"`
}

// StockSheetDTO is the answer to GET /api/stock. BaseDate is empty when no
// snapshot was used.
type StockSheetDTO struct {
	AsOf     string          `json:"as_of"`
	BaseDate string          `json:"base_date,omitempty"`
	Levels   []StockLevelDTO `json:"levels"`
}

func toStockSheetDTO(s *stock.StockSheet) StockSheetDTO {
	dto := StockSheetDTO{AsOf: s.AsOf.String(), BaseDate: s.Base.String(), Levels: []StockLevelDTO{}}
	for _, l := range s.Levels {
		dto.Levels = append(dto.Levels, StockLevelDTO{ItemID: string(l.ItemID), ItemName: l.ItemName, Quantity: l.Quantity})
	}
	return dto
}

type DriftDTO struct {
	ItemID       string          `json:"item_id"`
	Checkpointed decimal.Decimal `json:"checkpointed"`
	Replayed     decimal.Decimal `json:"replayed"`
}

type VerificationDTO struct {
	AsOf       string     `json:"as_of"`
	BaseDate   string     `json:"base_date,omitempty"`
	Consistent bool       `json:"consistent"`
	Drift      []DriftDTO `json:"drift"`
}

func toVerificationDTO(v *stock.Verification) VerificationDTO {
	dto := VerificationDTO{AsOf: v.AsOf.String(), BaseDate: v.Base.String(), Consistent: v.Consistent(), Drift: []DriftDTO{}}
	for _, d := range v.Drift {
		dto.Drift = append(dto.Drift, DriftDTO{ItemID: string(d.ItemID), Checkpointed: d.Checkpointed, Replayed: d.Replayed})
	}
	return dto
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type CreateSnapshotRequest struct {
	SnapshotDate string `json:"snapshot_date" validate:"required,datetime=2006-01-02"`
	CreatedBy    string `json:"created_by" validate:"max=100"`
}

type SnapshotLogDTO struct {
	ID         string    `json:"id"`
	BaseDate   string    `json:"base_date,omitempty"`
	TargetDate string    `json:"target_date"`
	ItemCount  int       `json:"item_count"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

func toSnapshotLogDTO(l stock.SnapshotLog) SnapshotLogDTO {
	return SnapshotLogDTO{
		ID:         l.ID,
		BaseDate:   l.BaseDate.String(),
		TargetDate: l.TargetDate.String(),
		ItemCount:  l.ItemCount,
		CreatedBy:  l.CreatedBy,
		CreatedAt:  l.CreatedAt,
	}
}

type SnapshotRowDTO struct {
	ItemID   string          `json:"item_id"`
	ItemName string          `json:"item_name"`
	Quantity decimal.Decimal `json:"quantity"`
}

type SnapshotDTO struct {
	SnapshotDate string           `json:"snapshot_date"`
	Rows         []SnapshotRowDTO `json:"rows"`
}

// =============================================================================
// ARCHIVE
// =============================================================================

type ArchiveRangeRequest struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	CreatedBy string `json:"created_by" validate:"max=100"`
}

type ArchiveRowDTO struct {
	ID          string          `json:"id"`
	ItemID      string          `json:"item_id"`
	ItemName    string          `json:"item_name"`
	PurchaseQty decimal.Decimal `json:"purchase_qty"`
	SaleQty     decimal.Decimal `json:"sale_qty"`
	ReturnQty   decimal.Decimal `json:"return_qty"`
	NetQty      decimal.Decimal `json:"net_qty"`
	StartDate   string          `json:"start_date"`
	EndDate     string          `json:"end_date"`
	ArchivedAt  time.Time       `json:"archived_at"`
}

func toArchiveRowDTOs(rows []stock.ArchiveRow) []ArchiveRowDTO {
	out := make([]ArchiveRowDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, ArchiveRowDTO{
			ID:          r.ID,
			ItemID:      string(r.ItemID),
			ItemName:    r.ItemName,
			PurchaseQty: r.PurchaseQty,
			SaleQty:     r.SaleQty,
			ReturnQty:   r.ReturnQty,
			NetQty:      r.NetQty(),
			StartDate:   r.Range.Start.String(),
			EndDate:     r.Range.End.String(),
			ArchivedAt:  r.ArchivedAt,
		})
	}
	return out
}

type PurgeResultDTO struct {
	Purchases int64 `json:"purchases"`
	Sales     int64 `json:"sales"`
	Returns   int64 `json:"returns"`
	Total     int64 `json:"total"`
}

func toPurgeResultDTO(p stock.PurgeResult) PurgeResultDTO {
	return PurgeResultDTO{Purchases: p.Purchases, Sales: p.Sales, Returns: p.Returns, Total: p.Total()}
}

type TransferResponse struct {
	Transferred int `json:"transferred"`
}

// ArchiveResultDTO reports a committed archive-and-purge.
type ArchiveResultDTO struct {
	StartDate   string         `json:"start_date"`
	EndDate     string         `json:"end_date"`
	Checkpoint  SnapshotLogDTO `json:"checkpoint"`
	Transferred int            `json:"transferred"`
	Purged      PurgeResultDTO `json:"purged"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response. Fields lists
// per-field validation failures.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
