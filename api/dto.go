/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP adapter. Areas and amounts travel as decimal
  strings ("40.00") so clients never round through binary floats. Dates use
  2006-01-02 and timestamps 2006-01-02 15:04:05 in the office's local time.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Done by the services. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go, fees.go: build these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/billing"
	"github.com/warp/irrigation-ledger/fees"
	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// PARCELS
// =============================================================================

type ParcelDTO struct {
	ID           int64  `json:"id"`
	Lot          string `json:"lot"`
	Owner        string `json:"owner"`
	Locality     string `json:"locality"`
	District     string `json:"district"`
	Area         string `json:"area"`
	Notes        string `json:"notes,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
	Active       bool   `json:"active"`
	RegisteredAt string `json:"registered_at"`
}

type CreateParcelRequest struct {
	Lot      string          `json:"lot"`
	Owner    string          `json:"owner"`
	Locality string          `json:"locality"`
	District string          `json:"district"`
	Area     decimal.Decimal `json:"area"`
	Notes    string          `json:"notes"`
	Phone    string          `json:"phone"`
	Address  string          `json:"address"`
}

type UpdateParcelRequest struct {
	Owner    *string          `json:"owner"`
	Locality *string          `json:"locality"`
	District *string          `json:"district"`
	Area     *decimal.Decimal `json:"area"`
	Notes    *string          `json:"notes"`
	Phone    *string          `json:"phone"`
	Address  *string          `json:"address"`
}

type RenameParcelRequest struct {
	Owner string `json:"owner"`
}

type SplitParcelRequest struct {
	Heirs int               `json:"heirs"`
	Areas []decimal.Decimal `json:"areas"`
}

// ParcelEditDTO reports a committed edit and the fee ledger sync that followed.
type ParcelEditDTO struct {
	Parcel    ParcelDTO   `json:"parcel"`
	Heirs     []ParcelDTO `json:"heirs,omitempty"`
	Synced    int         `json:"fees_synced"`
	SyncError string      `json:"fees_sync_error,omitempty"`
}

func toParcelDTO(p ledger.Parcel) ParcelDTO {
	return ParcelDTO{
		ID:           int64(p.ID),
		Lot:          p.Lot,
		Owner:        p.Owner,
		Locality:     p.Locality,
		District:     p.District,
		Area:         p.Area.String(),
		Notes:        p.Notes,
		Phone:        p.Phone,
		Address:      p.Address,
		Active:       p.Active,
		RegisteredAt: p.RegisteredAt.Format(ledger.TimestampLayout),
	}
}

func toParcelDTOs(ps []ledger.Parcel) []ParcelDTO {
	out := make([]ParcelDTO, len(ps))
	for i, p := range ps {
		out[i] = toParcelDTO(p)
	}
	return out
}

func syncMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// CYCLES
// =============================================================================

type CycleDTO struct {
	ID          int64  `json:"id"`
	ParcelID    int64  `json:"parcel_id"`
	Crop        string `json:"crop"`
	Irrigations int    `json:"irrigations"`
	Label       string `json:"label"`
	StartedOn   string `json:"started_on"`
	EndedOn     string `json:"ended_on,omitempty"`
	Active      bool   `json:"active"`
}

type StartCycleRequest struct {
	Crop string `json:"crop"`
}

type ChangeCropRequest struct {
	Crop          string `json:"crop"`
	Justification string `json:"justification"`
}

func toCycleDTO(c ledger.CropCycle) CycleDTO {
	dto := CycleDTO{
		ID:          int64(c.ID),
		ParcelID:    int64(c.ParcelID),
		Crop:        c.Crop,
		Irrigations: c.Irrigations,
		Label:       c.Label,
		StartedOn:   c.StartedOn.Format(ledger.DateLayout),
		Active:      c.Active,
	}
	if c.EndedOn != nil {
		dto.EndedOn = c.EndedOn.Format(ledger.DateLayout)
	}
	return dto
}

func toCycleDTOs(cs []ledger.CropCycle) []CycleDTO {
	out := make([]CycleDTO, len(cs))
	for i, c := range cs {
		out[i] = toCycleDTO(c)
	}
	return out
}

// =============================================================================
// RECEIPTS
// =============================================================================

type ReceiptDTO struct {
	ID               int64  `json:"id"`
	Folio            int64  `json:"folio"`
	IssuedAt         string `json:"issued_at"`
	ParcelID         int64  `json:"parcel_id"`
	CycleID          int64  `json:"cycle_id"`
	Crop             string `json:"crop"`
	IrrigationNumber int    `json:"irrigation_number"`
	Action           string `json:"action"`
	Amount           string `json:"amount"`
	CycleLabel       string `json:"cycle_label"`
	Deleted          bool   `json:"deleted"`
	DeletedAt        string `json:"deleted_at,omitempty"`
	DeletedReason    string `json:"deleted_reason,omitempty"`
}

type IssueRequest struct {
	ParcelID int64  `json:"parcel_id"`
	Crop     string `json:"crop"`
	Quantity int    `json:"quantity"`
	NewCycle bool   `json:"new_cycle"`
}

type IssueDTO struct {
	Folio    int64        `json:"folio"`
	CycleID  int64        `json:"cycle_id"`
	Receipts []ReceiptDTO `json:"receipts"`
	Total    string       `json:"total"`
}

type ReverseRequest struct {
	Reason string `json:"reason"`
}

type ReversalDTO struct {
	ReceiptID    int64  `json:"receipt_id"`
	Folio        int64  `json:"folio"`
	Amount       string `json:"amount"`
	CycleDeleted bool   `json:"cycle_deleted"`
	FolioRewound bool   `json:"folio_rewound"`
	FolioActual  int64  `json:"folio_actual"`
}

func toReceiptDTO(r ledger.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		ID:               int64(r.ID),
		Folio:            r.Folio,
		IssuedAt:         r.IssuedAt.Format(ledger.TimestampLayout),
		ParcelID:         int64(r.ParcelID),
		CycleID:          int64(r.CycleID),
		Crop:             r.Crop,
		IrrigationNumber: r.IrrigationNumber,
		Action:           string(r.Action),
		Amount:           r.Amount.StringFixed(2),
		CycleLabel:       r.CycleLabel,
		Deleted:          r.Deleted,
		DeletedReason:    r.DeletedReason,
	}
	if r.DeletedAt != nil {
		dto.DeletedAt = r.DeletedAt.Format(ledger.TimestampLayout)
	}
	return dto
}

func toReceiptDTOs(rs []ledger.Receipt) []ReceiptDTO {
	out := make([]ReceiptDTO, len(rs))
	for i, r := range rs {
		out[i] = toReceiptDTO(r)
	}
	return out
}

func toIssueDTO(res *billing.IssueResult) IssueDTO {
	return IssueDTO{
		Folio:    res.Folio,
		CycleID:  int64(res.CycleID),
		Receipts: toReceiptDTOs(res.Receipts),
		Total:    res.Total.StringFixed(2),
	}
}

// =============================================================================
// ADMINISTRATION AND STATS
// =============================================================================

type FolioDTO struct {
	Folio int64  `json:"folio"`
	Label string `json:"cycle_label"`
}

type SetFolioRequest struct {
	Folio int64 `json:"folio"`
}

type RolloverRequest struct {
	Label string `json:"label"`
}

type DayCloseDTO struct {
	Date      string       `json:"date"`
	Total     string       `json:"total"`
	Receipts  []ReceiptDTO `json:"receipts,omitempty"`
	LastClose string       `json:"last_close,omitempty"`
}

type StatsDTO struct {
	Parcels          int            `json:"parcels"`
	TotalArea        string         `json:"total_area"`
	PlantedArea      string         `json:"planted_area"`
	UnplantedArea    string         `json:"unplanted_area"`
	PlantedPercent   string         `json:"planted_percent"`
	ParcelsUnplanted int            `json:"parcels_unplanted"`
	Crops            []CropStatsDTO `json:"crops"`
}

type CropStatsDTO struct {
	Crop               string `json:"crop"`
	Parcels            int    `json:"parcels"`
	Area               string `json:"area"`
	TotalIrrigations   int    `json:"total_irrigations"`
	AverageIrrigations string `json:"average_irrigations"`
}

func toCropStatsDTO(c billing.CropStats) CropStatsDTO {
	return CropStatsDTO{
		Crop:               c.Crop,
		Parcels:            c.Parcels,
		Area:               c.Area.String(),
		TotalIrrigations:   c.TotalIrrigations,
		AverageIrrigations: c.AverageIrrigations.String(),
	}
}

func toStatsDTO(s *billing.Stats) StatsDTO {
	crops := make([]CropStatsDTO, len(s.Crops))
	for i, c := range s.Crops {
		crops[i] = toCropStatsDTO(c)
	}
	return StatsDTO{
		Parcels:          s.Parcels,
		TotalArea:        s.TotalArea.String(),
		PlantedArea:      s.PlantedArea.String(),
		UnplantedArea:    s.UnplantedArea.String(),
		PlantedPercent:   s.PlantedPercent.StringFixed(2),
		ParcelsUnplanted: s.ParcelsUnplanted,
		Crops:            crops,
	}
}

type AuditEntryDTO struct {
	ID          int64  `json:"id"`
	At          string `json:"at"`
	Kind        string `json:"kind"`
	Actor       string `json:"actor"`
	Description string `json:"description"`
	Snapshot    string `json:"snapshot,omitempty"`
}

func toAuditDTOs(entries []ledger.AuditEntry) []AuditEntryDTO {
	out := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryDTO{
			ID:          e.ID,
			At:          e.At.Format(ledger.TimestampLayout),
			Kind:        string(e.Kind),
			Actor:       e.Actor,
			Description: e.Description,
			Snapshot:    e.Snapshot,
		}
	}
	return out
}

// =============================================================================
// FEES
// =============================================================================

type FeeTypeDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Rate        string `json:"rate"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	NextFolio   int64  `json:"next_folio"`
	CreatedAt   string `json:"created_at"`
}

type CreateFeeTypeRequest struct {
	Name        string          `json:"name"`
	Rate        decimal.Decimal `json:"rate"`
	Description string          `json:"description"`
}

type UpdateFeeTypeRequest struct {
	Name        *string          `json:"name"`
	Rate        *decimal.Decimal `json:"rate"`
	Description *string          `json:"description"`
}

// AssignFeeRequest assigns one parcel, or every active parcel when All is set.
type AssignFeeRequest struct {
	ParcelID int64 `json:"parcel_id"`
	All      bool  `json:"all"`
}

type AssignedDTO struct {
	Created    int            `json:"created"`
	Obligation *ObligationDTO `json:"obligation,omitempty"`
}

type ObligationDTO struct {
	ID           int64  `json:"id"`
	FeeTypeID    int64  `json:"fee_type_id"`
	ParcelID     int64  `json:"parcel_id"`
	Lot          string `json:"lot"`
	Owner        string `json:"owner"`
	District     string `json:"district"`
	Rate         string `json:"rate"`
	Amount       string `json:"amount"`
	AssignedAt   string `json:"assigned_at"`
	Paid         bool   `json:"paid"`
	PaidOn       string `json:"paid_on,omitempty"`
	ReceiptFolio *int64 `json:"receipt_folio,omitempty"`
}

type FeeReceiptDTO struct {
	ID           int64  `json:"id"`
	Folio        int64  `json:"folio"`
	FeeTypeID    int64  `json:"fee_type_id"`
	FeeName      string `json:"fee_name"`
	IssuedAt     string `json:"issued_at"`
	ObligationID int64  `json:"obligation_id"`
	ParcelID     int64  `json:"parcel_id"`
	Lot          string `json:"lot"`
	Owner        string `json:"owner"`
	District     string `json:"district"`
	Amount       string `json:"amount"`
}

type FeeSummaryDTO struct {
	FeeType     FeeTypeDTO `json:"fee_type"`
	Assigned    int        `json:"assigned"`
	Paid        int        `json:"paid"`
	Pending     int        `json:"pending"`
	Total       string     `json:"total"`
	Collected   string     `json:"collected"`
	Outstanding string     `json:"outstanding"`
}

type FeeStatsDTO struct {
	FeeTypes    int    `json:"fee_types"`
	Obligations int    `json:"obligations"`
	Paid        int    `json:"paid"`
	Pending     int    `json:"pending"`
	Total       string `json:"total"`
	Collected   string `json:"collected"`
	Outstanding string `json:"outstanding"`
}

func toFeeTypeDTO(ft ledger.FeeType) FeeTypeDTO {
	return FeeTypeDTO{
		ID:          int64(ft.ID),
		Name:        ft.Name,
		Rate:        ft.Rate.StringFixed(2),
		Description: ft.Description,
		Active:      ft.Active,
		NextFolio:   ft.NextFolio,
		CreatedAt:   ft.CreatedAt.Format(ledger.TimestampLayout),
	}
}

func toObligationDTO(o ledger.FeeObligation) ObligationDTO {
	dto := ObligationDTO{
		ID:           int64(o.ID),
		FeeTypeID:    int64(o.FeeTypeID),
		ParcelID:     int64(o.ParcelID),
		Lot:          o.Lot,
		Owner:        o.Owner,
		District:     o.District,
		Rate:         o.Rate.StringFixed(2),
		Amount:       o.Amount.StringFixed(2),
		AssignedAt:   o.AssignedAt.Format(ledger.TimestampLayout),
		Paid:         o.Paid,
		ReceiptFolio: o.ReceiptFolio,
	}
	if o.PaidOn != nil {
		dto.PaidOn = o.PaidOn.Format(ledger.DateLayout)
	}
	return dto
}

func toObligationDTOs(obligations []ledger.FeeObligation) []ObligationDTO {
	out := make([]ObligationDTO, len(obligations))
	for i, o := range obligations {
		out[i] = toObligationDTO(o)
	}
	return out
}

func toFeeReceiptDTO(r ledger.FeeReceipt) FeeReceiptDTO {
	return FeeReceiptDTO{
		ID:           r.ID,
		Folio:        r.Folio,
		FeeTypeID:    int64(r.FeeTypeID),
		FeeName:      r.FeeName,
		IssuedAt:     r.IssuedAt.Format(ledger.TimestampLayout),
		ObligationID: int64(r.ObligationID),
		ParcelID:     int64(r.ParcelID),
		Lot:          r.Lot,
		Owner:        r.Owner,
		District:     r.District,
		Amount:       r.Amount.StringFixed(2),
	}
}

func toFeeSummaryDTO(s fees.Summary) FeeSummaryDTO {
	return FeeSummaryDTO{
		FeeType:     toFeeTypeDTO(s.FeeType),
		Assigned:    s.Assigned,
		Paid:        s.Paid,
		Pending:     s.Pending,
		Total:       s.Total.StringFixed(2),
		Collected:   s.Collected.StringFixed(2),
		Outstanding: s.Outstanding.StringFixed(2),
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

func formatDay(t time.Time) string {
	return t.Format(ledger.DateLayout)
}
