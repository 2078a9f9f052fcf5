/*
handlers.go - HTTP API handlers for the irrigation ledger

PURPOSE:
  Exposes parcels, crop cycles, receipts and ledger administration to the
  cashier UI. Handles HTTP request/response and JSON serialization and
  delegates every decision to the services.

ENDPOINTS:
  Parcels:
    GET    /api/parcels                 List, or search with ?q=
    POST   /api/parcels                 Register parcel
    GET    /api/parcels/{id}            Get parcel
    PUT    /api/parcels/{id}            Edit parcel
    DELETE /api/parcels/{id}            Soft delete
    POST   /api/parcels/{id}/rename     Change owner
    POST   /api/parcels/{id}/split      Split between heirs

  Cycles:
    GET    /api/parcels/{id}/cycles         History
    POST   /api/parcels/{id}/cycles         Start cycle
    GET    /api/parcels/{id}/cycles/active  Active cycle
    POST   /api/parcels/{id}/crop           Change crop
    POST   /api/cycles/{id}/close           Close cycle

  Receipts:
    POST   /api/receipts                Sell irrigations
    GET    /api/receipts                ?folio=, ?date= or ?year=&month=
    GET    /api/receipts/{id}           Get receipt
    POST   /api/receipts/{id}/reverse   Reverse a receipt issued today

  Admin:
    GET|PUT /api/admin/folio            Current folio / set by hand
    POST    /api/admin/rollover         New cycle label
    GET     /api/admin/day-close        Today's total and last close
    POST    /api/admin/day-close        Close the day
    GET     /api/stats                  Area statistics
    GET     /api/audit                  Audit trail

ERROR HANDLING:
  - 400: Validation errors, malformed body or parameters
  - 404: Parcel, cycle, receipt or fee record not found
  - 409: Valid request refused by the ledger state
  - 503: Database stayed locked, retry later
  - 500: Internal errors

SEE ALSO:
  - fees.go: fee ledger endpoints
  - dto.go: request/response shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/irrigation-ledger/billing"
	"github.com/warp/irrigation-ledger/fees"
	"github.com/warp/irrigation-ledger/ledger"
	"github.com/warp/irrigation-ledger/parcels"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the services behind the HTTP adapter.
type Handler struct {
	Parcels *parcels.Registry
	Cycles  *billing.Cycles
	Ledger  *billing.Ledger
	Fees    *fees.Ledger
	log     zerolog.Logger
}

func NewHandler(registry *parcels.Registry, cycles *billing.Cycles, l *billing.Ledger, f *fees.Ledger, log zerolog.Logger) *Handler {
	return &Handler{Parcels: registry, Cycles: cycles, Ledger: l, Fees: f, log: log}
}

// =============================================================================
// PARCEL HANDLERS
// =============================================================================

// ListParcels returns active parcels, filtered by ?q= when given.
// GET /api/parcels
func (h *Handler) ListParcels(w http.ResponseWriter, r *http.Request) {
	var (
		list []ledger.Parcel
		err  error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		list, err = h.Parcels.Search(r.Context(), q)
	} else {
		list, err = h.Parcels.List(r.Context())
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParcelDTOs(list))
}

// POST /api/parcels
func (h *Handler) CreateParcel(w http.ResponseWriter, r *http.Request) {
	var req CreateParcelRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Parcels.Create(r.Context(), parcels.NewParcel{
		Lot:      req.Lot,
		Owner:    req.Owner,
		Locality: req.Locality,
		District: req.District,
		Area:     req.Area,
		Notes:    req.Notes,
		Phone:    req.Phone,
		Address:  req.Address,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParcelDTO(*p))
}

// GET /api/parcels/{id}
func (h *Handler) GetParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Parcels.Get(r.Context(), ledger.ParcelID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParcelDTO(*p))
}

// PUT /api/parcels/{id}
func (h *Handler) UpdateParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateParcelRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Parcels.Update(r.Context(), ledger.ParcelID(id), ledger.ParcelPatch{
		Owner:    req.Owner,
		Locality: req.Locality,
		District: req.District,
		Area:     req.Area,
		Notes:    req.Notes,
		Phone:    req.Phone,
		Address:  req.Address,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParcelEditDTO{
		Parcel: toParcelDTO(*res.Parcel), Synced: res.Synced, SyncError: syncMessage(res.SyncErr),
	})
}

// POST /api/parcels/{id}/rename
func (h *Handler) RenameParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req RenameParcelRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Parcels.Rename(r.Context(), ledger.ParcelID(id), req.Owner)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParcelEditDTO{
		Parcel: toParcelDTO(*res.Parcel), Synced: res.Synced, SyncError: syncMessage(res.SyncErr),
	})
}

// POST /api/parcels/{id}/split
func (h *Handler) SplitParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SplitParcelRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Parcels.Split(r.Context(), ledger.ParcelID(id), req.Heirs, req.Areas)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParcelEditDTO{
		Parcel:    toParcelDTO(*res.Original),
		Heirs:     toParcelDTOs(res.Heirs),
		Synced:    res.Synced,
		SyncError: syncMessage(res.SyncErr),
	})
}

// DELETE /api/parcels/{id}
func (h *Handler) DeleteParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Parcels.SoftDelete(r.Context(), ledger.ParcelID(id)); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CYCLE HANDLERS
// =============================================================================

// GET /api/parcels/{id}/cycles
func (h *Handler) CycleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	cycles, err := h.Cycles.History(r.Context(), ledger.ParcelID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTOs(cycles))
}

// GET /api/parcels/{id}/cycles/active
func (h *Handler) ActiveCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	cycle, err := h.Cycles.Active(r.Context(), ledger.ParcelID(id))
	if errors.Is(err, ledger.ErrNoActiveCycle) {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(*cycle))
}

// POST /api/parcels/{id}/cycles
func (h *Handler) StartCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req StartCycleRequest
	if !decode(w, r, &req) {
		return
	}
	cycle, err := h.Cycles.Start(r.Context(), ledger.ParcelID(id), req.Crop)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCycleDTO(*cycle))
}

// POST /api/parcels/{id}/crop
func (h *Handler) ChangeCrop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ChangeCropRequest
	if !decode(w, r, &req) {
		return
	}
	cycle, err := h.Cycles.ChangeCrop(r.Context(), ledger.ParcelID(id), req.Crop, req.Justification)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCycleDTO(*cycle))
}

// POST /api/cycles/{id}/close
func (h *Handler) CloseCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Cycles.Close(r.Context(), ledger.CycleID(id)); err != nil {
		h.fail(w, err)
		return
	}
	cycle, err := h.Cycles.Get(r.Context(), ledger.CycleID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(*cycle))
}

// =============================================================================
// RECEIPT HANDLERS
// =============================================================================

// IssueReceipts sells irrigations under one folio.
// POST /api/receipts
func (h *Handler) IssueReceipts(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Ledger.Issue(r.Context(), billing.IssueRequest{
		ParcelID: ledger.ParcelID(req.ParcelID),
		Crop:     req.Crop,
		Quantity: req.Quantity,
		NewCycle: req.NewCycle,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIssueDTO(res))
}

// ListReceipts selects by ?folio=, ?year=&month= or ?date= (default today).
// GET /api/receipts
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var (
		list []ledger.Receipt
		err  error
	)
	switch {
	case q.Get("folio") != "":
		folio, perr := strconv.ParseInt(q.Get("folio"), 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "folio must be an integer", perr)
			return
		}
		list, err = h.Ledger.ReceiptsByFolio(ctx, folio)
	case q.Get("month") != "":
		year, yerr := strconv.Atoi(q.Get("year"))
		month, merr := strconv.Atoi(q.Get("month"))
		if yerr != nil || merr != nil || month < 1 || month > 12 {
			writeError(w, http.StatusBadRequest, "year and month must be integers, month 1-12", nil)
			return
		}
		list, err = h.Ledger.ReceiptsForMonth(ctx, year, time.Month(month))
	default:
		day, ok := queryDate(w, r, "date")
		if !ok {
			return
		}
		list, err = h.Ledger.ReceiptsForDay(ctx, day)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTOs(list))
}

// GET /api/receipts/{id}
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rc, err := h.Ledger.GetReceipt(r.Context(), ledger.ReceiptID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*rc))
}

// GET /api/parcels/{id}/receipts
func (h *Handler) ParcelReceipts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	list, err := h.Ledger.ReceiptsForParcel(r.Context(), ledger.ParcelID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTOs(list))
}

// POST /api/receipts/{id}/reverse
func (h *Handler) ReverseReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ReverseRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	res, err := h.Ledger.Reverse(r.Context(), ledger.ReceiptID(id), req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReversalDTO{
		ReceiptID:    int64(res.ReceiptID),
		Folio:        res.Folio,
		Amount:       res.Amount.StringFixed(2),
		CycleDeleted: res.CycleDeleted,
		FolioRewound: res.FolioRewound,
		FolioActual:  res.FolioActual,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GET /api/admin/folio
func (h *Handler) GetFolio(w http.ResponseWriter, r *http.Request) {
	h.writeFolio(w, r)
}

// PUT /api/admin/folio
func (h *Handler) SetFolio(w http.ResponseWriter, r *http.Request) {
	var req SetFolioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Ledger.SetFolio(r.Context(), req.Folio); err != nil {
		h.fail(w, err)
		return
	}
	h.writeFolio(w, r)
}

// POST /api/admin/rollover
func (h *Handler) Rollover(w http.ResponseWriter, r *http.Request) {
	var req RolloverRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Ledger.Rollover(r.Context(), req.Label); err != nil {
		h.fail(w, err)
		return
	}
	h.writeFolio(w, r)
}

func (h *Handler) writeFolio(w http.ResponseWriter, r *http.Request) {
	folio, err := h.Ledger.CurrentFolio(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	label, err := h.Ledger.CurrentCycleLabel(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FolioDTO{Folio: folio, Label: label})
}

// DayStatus returns today's running total and the date of the last close.
// GET /api/admin/day-close
func (h *Handler) DayStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	today := time.Now()
	total, err := h.Ledger.DayTotal(ctx, today)
	if err != nil {
		h.fail(w, err)
		return
	}
	dto := DayCloseDTO{Date: formatDay(today), Total: total.StringFixed(2)}
	last, err := h.Ledger.LastClose(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	if last != nil {
		dto.LastClose = formatDay(*last)
	}
	writeJSON(w, http.StatusOK, dto)
}

// POST /api/admin/day-close
func (h *Handler) CloseDay(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ledger.CloseDay(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DayCloseDTO{
		Date:      formatDay(res.Date),
		Total:     res.Total.StringFixed(2),
		Receipts:  toReceiptDTOs(res.Receipts),
		LastClose: formatDay(res.Date),
	})
}

// GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Ledger.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GET /api/stats/crops/{crop}
func (h *Handler) CropStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Ledger.CropStats(r.Context(), chi.URLParam(r, "crop"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCropStatsDTO(*stats))
}

// Audit lists the irrigation ledger's trail. Filters: ?kind= (repeatable),
// ?from=, ?to= (dates, to inclusive) and ?limit=.
// GET /api/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.Audit(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// HELPERS
// =============================================================================

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

// fail maps a service error onto its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var ve *ledger.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		resp.Error = "internal error"
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case ledger.IsValidation(err):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

// queryDate parses ?name=YYYY-MM-DD, defaulting to today.
func queryDate(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Now(), true
	}
	t, err := time.ParseInLocation(ledger.DateLayout, raw, time.Local)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be YYYY-MM-DD", err)
		return time.Time{}, false
	}
	return t, true
}

func auditFilter(w http.ResponseWriter, r *http.Request) (ledger.AuditFilter, bool) {
	q := r.URL.Query()
	var filter ledger.AuditFilter
	for _, k := range q["kind"] {
		filter.Kinds = append(filter.Kinds, ledger.AuditKind(k))
	}
	if raw := q.Get("from"); raw != "" {
		from, ok := queryDate(w, r, "from")
		if !ok {
			return filter, false
		}
		filter.From = &from
	}
	if raw := q.Get("to"); raw != "" {
		to, ok := queryDate(w, r, "to")
		if !ok {
			return filter, false
		}
		end := to.AddDate(0, 0, 1)
		filter.To = &end
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}
