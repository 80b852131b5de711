/*
handlers.go - HTTP API handlers for the stock engine

ENDPOINTS:
  Stock:
    GET    /api/stock?as_of=              Point-in-time stock (as_of defaults to today, UTC)
    GET    /api/stock/verify?as_of=       Checkpointed vs full replay

  Snapshots:
    POST   /api/snapshots                 Checkpoint a date
    GET    /api/snapshots/history         Audit log, newest first
    GET    /api/snapshots/{date}          Rows persisted at a date

  Archive:
    POST   /api/archive/preview           Summary of a range, nothing written
    POST   /api/archive/transfer          Write archive rows for a range
    POST   /api/archive/purge             Delete ledger rows in a range
    POST   /api/archive/commit            Checkpoint + transfer + purge, atomically
    GET    /api/archive                   Archived rows (optional start_date/end_date)

  Catalog and ledgers:
    GET    /api/items                     List items
    POST   /api/items                     Create item
    GET    /api/ledger/{kind}             List purchases|sales|returns
    POST   /api/ledger/{kind}             Append entries
    DELETE /api/ledger/{kind}/{id}        Soft delete

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, malformed dates, inverted ranges
  - 404: Ledger entry not found
  - 409: Duplicate item or entry id
  - 500: Store failures. The cause is logged, never returned.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    stock.TxStore
	Engine   *stock.Engine
	Archiver *stock.Archiver
	Log      logrus.FieldLogger

	// Clock supplies "today" for defaulted dates. Defaults to time.Now.
	Clock func() time.Time

	validate *validator.Validate
}

// NewHandler creates a new handler with the given store.
func NewHandler(store stock.TxStore, log logrus.FieldLogger) *Handler {
	engine := stock.NewEngine(store)
	return &Handler{
		Store:    store,
		Engine:   engine,
		Archiver: stock.NewArchiver(store, engine),
		Log:      log,
		Clock:    time.Now,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock()
}

func (h *Handler) today() stock.Date { return stock.DateOf(h.now()) }

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger(r).WithError(err).Error("health check failed")
			writeError(w, http.StatusServiceUnavailable, "database unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// STOCK
// =============================================================================

// GetStock returns stock levels as of the as_of query parameter.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sheet, err := h.Engine.ComputeStock(r.Context(), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockSheetDTO(sheet))
}

// VerifyStock compares checkpointed stock with a full ledger replay.
func (h *Handler) VerifyStock(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.Engine.Verify(r.Context(), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !v.Consistent() {
		h.logger(r).WithFields(logrus.Fields{
			"as_of": asOf.String(),
			"base":  v.Base.String(),
			"items": len(v.Drift),
		}).Warn("snapshot drift detected")
	}
	writeJSON(w, http.StatusOK, toVerificationDTO(v))
}

func (h *Handler) asOf(r *http.Request) (stock.Date, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return h.today(), nil
	}
	d, err := stock.ParseDate(raw)
	if err != nil {
		return stock.Date{}, &stock.InputError{Field: "as_of", Reason: "malformed date " + raw + " (use YYYY-MM-DD)"}
	}
	return d, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CreateSnapshotRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	date, err := stock.ParseDate(req.SnapshotDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor := req.CreatedBy
	if actor == "" {
		actor = "api"
	}

	log, err := h.Engine.CreateSnapshot(r.Context(), date, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).WithFields(logrus.Fields{
		"snapshot_date": date.String(),
		"base_date":     log.BaseDate.String(),
		"items":         log.ItemCount,
	}).Info("snapshot created")
	writeJSON(w, http.StatusCreated, toSnapshotLogDTO(*log))
}

func (h *Handler) SnapshotHistory(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Engine.SnapshotHistory(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SnapshotLogDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, toSnapshotLogDTO(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	date, err := stock.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.Engine.SnapshotAt(r.Context(), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := SnapshotDTO{SnapshotDate: date.String(), Rows: []SnapshotRowDTO{}}
	for _, s := range rows {
		dto.Rows = append(dto.Rows, SnapshotRowDTO{ItemID: string(s.ItemID), ItemName: s.ItemName, Quantity: s.Quantity})
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ARCHIVE
// =============================================================================

func (h *Handler) PreviewArchive(w http.ResponseWriter, r *http.Request) {
	rng, _, err := h.archiveRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.Archiver.Preview(r.Context(), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArchiveRowDTOs(rows))
}

func (h *Handler) TransferToArchive(w http.ResponseWriter, r *http.Request) {
	rng, _, err := h.archiveRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.Archiver.TransferToArchive(r.Context(), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).WithFields(logrus.Fields{"range": rng.String(), "rows": n}).Info("range archived")
	writeJSON(w, http.StatusOK, TransferResponse{Transferred: n})
}

func (h *Handler) PurgeLedger(w http.ResponseWriter, r *http.Request) {
	rng, _, err := h.archiveRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Archiver.PurgeLedgerRange(r.Context(), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).WithFields(logrus.Fields{"range": rng.String(), "rows": res.Total()}).Warn("ledger range purged")
	writeJSON(w, http.StatusOK, toPurgeResultDTO(res))
}

// CommitArchive runs checkpoint, transfer and purge in one transaction.
func (h *Handler) CommitArchive(w http.ResponseWriter, r *http.Request) {
	rng, actor, err := h.archiveRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Archiver.ArchiveAndPurge(r.Context(), rng, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger(r).WithFields(logrus.Fields{
		"range":       rng.String(),
		"transferred": res.Transferred,
		"purged":      res.Purged.Total(),
	}).Info("archive committed")
	writeJSON(w, http.StatusOK, ArchiveResultDTO{
		StartDate:   rng.Start.String(),
		EndDate:     rng.End.String(),
		Checkpoint:  toSnapshotLogDTO(res.Checkpoint),
		Transferred: res.Transferred,
		Purged:      toPurgeResultDTO(res.Purged),
	})
}

func (h *Handler) ListArchive(w http.ResponseWriter, r *http.Request) {
	var rng stock.DateRange
	q := r.URL.Query()
	if q.Get("start_date") != "" || q.Get("end_date") != "" {
		var err error
		if rng, err = stock.NewDateRange(q.Get("start_date"), q.Get("end_date")); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	rows, err := h.Archiver.ArchivedRows(r.Context(), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArchiveRowDTOs(rows))
}

func (h *Handler) archiveRange(r *http.Request) (stock.DateRange, string, error) {
	var req ArchiveRangeRequest
	if err := h.decode(r, &req); err != nil {
		return stock.DateRange{}, "", err
	}
	rng, err := stock.NewDateRange(req.StartDate, req.EndDate)
	if err != nil {
		return stock.DateRange{}, "", err
	}
	actor := req.CreatedBy
	if actor == "" {
		actor = "archive"
	}
	return rng, actor, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.Items(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ItemDTO, 0, len(items))
	for _, it := range items {
		out = append(out, toItemDTO(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	item := stock.Item{ID: stock.ItemID(req.ID), Barcode: req.Barcode, Name: req.Name}.Normalize()
	item.CreatedAt = h.now().UTC()
	if err := h.Store.SaveItem(r.Context(), item); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// =============================================================================
// LEDGERS
// =============================================================================

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	kind, err := stock.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := stock.LedgerFilter{Kind: kind}
	if q.Get("start_date") != "" || q.Get("end_date") != "" {
		if filter.Range, err = stock.NewDateRange(q.Get("start_date"), q.Get("end_date")); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if raw := q.Get("include_deleted"); raw != "" {
		if filter.IncludeDeleted, err = strconv.ParseBool(raw); err != nil {
			h.fail(w, r, &stock.InputError{Field: "include_deleted", Reason: "expected true or false"})
			return
		}
	}

	entries, err := h.Store.LedgerEntries(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// AppendLedger ingests a batch atomically. Entries without an id get one.
func (h *Handler) AppendLedger(w http.ResponseWriter, r *http.Request) {
	kind, err := stock.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req AppendEntriesRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	entries := make([]stock.LedgerEntry, 0, len(req.Entries))
	ids := make([]string, 0, len(req.Entries))
	for i, e := range req.Entries {
		entry := stock.LedgerEntry{
			ID:       e.ID,
			Kind:     kind,
			ItemID:   stock.ItemID(e.ItemID),
			ItemName: e.ItemName,
			Barcode:  e.Barcode,
			Quantity: e.Quantity,
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if e.Date != "" {
			if entry.Date, err = stock.ParseDate(e.Date); err != nil {
				h.fail(w, r, &stock.InputError{Field: "entries[" + strconv.Itoa(i) + "].date", Reason: err.Error()})
				return
			}
		}
		if e.CreatedAt != nil {
			entry.CreatedAt = *e.CreatedAt
		}
		entries = append(entries, entry)
		ids = append(ids, entry.ID)
	}

	if err := h.Store.AppendEntries(r.Context(), entries); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AppendEntriesResponse{IDs: ids})
}

func (h *Handler) DeleteLedgerEntry(w http.ResponseWriter, r *http.Request) {
	kind, err := stock.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.SoftDelete(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &stock.InputError{Field: "body", Reason: err.Error()}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &validationError{errs: verrs}
		}
		return &stock.InputError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// validationError reports every failed field; it is an input error.
type validationError struct {
	errs validator.ValidationErrors
}

func (e *validationError) Error() string {
	parts := make([]string, 0, len(e.errs))
	for _, fe := range e.errs {
		parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *validationError) Unwrap() error { return stock.ErrInvalidInput }

func (e *validationError) fields() map[string]string {
	out := make(map[string]string, len(e.errs))
	for _, fe := range e.errs {
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		out[ns] = fe.Tag()
	}
	return out
}

// fail maps an engine error to a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, stock.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "ledger entry not found", err)
	case errors.Is(err, stock.ErrDuplicateItem), errors.Is(err, stock.ErrDuplicateEntry):
		writeError(w, http.StatusConflict, "already exists", err)
	case errors.Is(err, stock.ErrRangePurged):
		writeError(w, http.StatusConflict, "range already purged", err)
	case errors.Is(err, stock.ErrInvalidInput):
		var ve *validationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid input", Details: ve.Error(), Fields: ve.fields()})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid input", err)
	default:
		entry := h.logger(r).WithField("module", "stock")
		var se *stock.StoreError
		if errors.As(err, &se) {
			entry = entry.WithField("op", se.Op)
			if !se.Range.End.IsZero() {
				entry = entry.WithField("range", se.Range.String())
			}
			err = se.Err
		}
		entry.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (h *Handler) logger(r *http.Request) logrus.FieldLogger {
	log := h.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
