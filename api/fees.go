package api

import (
	"net/http"
	"strconv"

	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// FEE TYPE HANDLERS
// =============================================================================

// GET /api/fees/types?active=true
func (h *Handler) ListFeeTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	types, err := h.Fees.ListFeeTypes(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]FeeTypeDTO, len(types))
	for i, ft := range types {
		out[i] = toFeeTypeDTO(ft)
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/fees/types
func (h *Handler) CreateFeeType(w http.ResponseWriter, r *http.Request) {
	var req CreateFeeTypeRequest
	if !decode(w, r, &req) {
		return
	}
	ft, err := h.Fees.CreateFeeType(r.Context(), req.Name, req.Rate, req.Description)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFeeTypeDTO(*ft))
}

// GET /api/fees/types/{id}
func (h *Handler) GetFeeType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ft, err := h.Fees.GetFeeType(r.Context(), ledger.FeeTypeID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeTypeDTO(*ft))
}

// PUT /api/fees/types/{id}
func (h *Handler) UpdateFeeType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateFeeTypeRequest
	if !decode(w, r, &req) {
		return
	}
	ft, err := h.Fees.UpdateFeeType(r.Context(), ledger.FeeTypeID(id), ledger.FeeTypePatch{
		Name: req.Name, Rate: req.Rate, Description: req.Description,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeTypeDTO(*ft))
}

// DELETE /api/fees/types/{id}
func (h *Handler) DeactivateFeeType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Fees.DeactivateFeeType(r.Context(), ledger.FeeTypeID(id)); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/fees/types/{id}/summary
func (h *Handler) FeeSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Fees.Summary(r.Context(), ledger.FeeTypeID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeSummaryDTO(*s))
}

// AssignFee assigns to one parcel, or with "all": true to every active parcel.
// POST /api/fees/types/{id}/assign
func (h *Handler) AssignFee(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AssignFeeRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.All {
		all, err := h.Parcels.List(ctx)
		if err != nil {
			h.fail(w, err)
			return
		}
		created, err := h.Fees.AssignBulk(ctx, ledger.FeeTypeID(id), all)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AssignedDTO{Created: created})
		return
	}

	o, err := h.Fees.Assign(ctx, ledger.ParcelID(req.ParcelID), ledger.FeeTypeID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	dto := toObligationDTO(*o)
	writeJSON(w, http.StatusCreated, AssignedDTO{Created: 1, Obligation: &dto})
}

// GET /api/fees/overview
func (h *Handler) FeeOverview(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Fees.Overview(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]FeeSummaryDTO, len(summaries))
	for i, s := range summaries {
		out[i] = toFeeSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/fees/stats
func (h *Handler) FeeStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.Fees.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FeeStatsDTO{
		FeeTypes:    s.FeeTypes,
		Obligations: s.Obligations,
		Paid:        s.Paid,
		Pending:     s.Pending,
		Total:       s.Total.StringFixed(2),
		Collected:   s.Collected.StringFixed(2),
		Outstanding: s.Outstanding.StringFixed(2),
	})
}

// =============================================================================
// OBLIGATION AND PAYMENT HANDLERS
// =============================================================================

// ParcelFees lists a parcel's obligations, only unpaid ones with ?pending=true.
// GET /api/parcels/{id}/fees
func (h *Handler) ParcelFees(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	pendingOnly, _ := strconv.ParseBool(r.URL.Query().Get("pending"))

	var (
		list []ledger.FeeObligation
		err  error
	)
	if pendingOnly {
		list, err = h.Fees.Pending(r.Context(), ledger.ParcelID(id))
	} else {
		list, err = h.Fees.Obligations(r.Context(), ledger.ParcelID(id))
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTOs(list))
}

// POST /api/fees/obligations/{id}/pay
func (h *Handler) PayFee(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rc, err := h.Fees.Pay(r.Context(), ledger.ObligationID(id))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFeeReceiptDTO(*rc))
}

// GET /api/fees/receipts?date=YYYY-MM-DD
func (h *Handler) ListFeeReceipts(w http.ResponseWriter, r *http.Request) {
	day, ok := queryDate(w, r, "date")
	if !ok {
		return
	}
	list, err := h.Fees.ReceiptsForDay(r.Context(), day)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]FeeReceiptDTO, len(list))
	for i, rc := range list {
		out[i] = toFeeReceiptDTO(rc)
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/fees/receipts/{id}
func (h *Handler) GetFeeReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rc, err := h.Fees.GetReceipt(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeeReceiptDTO(*rc))
}

// GET /api/fees/audit
func (h *Handler) FeeAudit(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(w, r)
	if !ok {
		return
	}
	entries, err := h.Fees.Audit(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}
