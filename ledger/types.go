/*
Package ledger provides the domain types of the irrigation billing ledger.

PURPOSE:
  The cooperative bills two things: irrigation turns sold against a parcel's
  crop cycle (receipts, numbered with one global folio sequence) and
  maintenance fees assigned proportionally to parcel area (fee receipts,
  numbered with one sequence per fee type). This package holds the types both
  ledgers share, the store contracts and the error taxonomy. Business rules
  live in the parcels, billing and fees packages.

KEY CONCEPTS IN THIS FILE (types.go):
  - Parcel:        A land parcel ("campesino") identified by its lot
  - CropCycle:     A planting ("siembra") with an irrigation counter
  - Receipt:       One paid irrigation; receipts of one sale share a folio
  - FeeType:       A cooperation fee with its own rate and folio sequence
  - FeeObligation: What one parcel owes for one fee type
  - FeeReceipt:    Proof of payment of one obligation
  - AuditEntry:    Append-only record of a mutation

DESIGN PRINCIPLES:
  1. Precision: areas and money are decimal.Decimal, never float64
  2. Soft deletes: receipts and parcels are flagged, not removed
  3. Snapshots: fee rows copy parcel fields at write time, they never join

SEE ALSO:
  - store.go: persistence contracts
  - errors.go: sentinel and structured errors
  - rates.go: irrigation pricing
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ParcelID int64
type CycleID int64
type ReceiptID int64
type FeeTypeID int64
type ObligationID int64

// =============================================================================
// PARCEL
// =============================================================================

type Parcel struct {
	ID           ParcelID
	Lot          string
	Owner        string
	Locality     string
	District     string
	Area         decimal.Decimal // hectares
	Notes        string
	Phone        string
	Address      string
	Active       bool
	RegisteredAt time.Time
}

// ParcelPatch lists the fields an update may touch. Nil means unchanged.
type ParcelPatch struct {
	Owner    *string
	Locality *string
	District *string
	Area     *decimal.Decimal
	Notes    *string
	Phone    *string
	Address  *string
}

func (p ParcelPatch) IsEmpty() bool {
	return p.Owner == nil && p.Locality == nil && p.District == nil && p.Area == nil &&
		p.Notes == nil && p.Phone == nil && p.Address == nil
}

// Apply returns a copy of parcel with the patch applied.
func (p ParcelPatch) Apply(parcel Parcel) Parcel {
	if p.Owner != nil {
		parcel.Owner = *p.Owner
	}
	if p.Locality != nil {
		parcel.Locality = *p.Locality
	}
	if p.District != nil {
		parcel.District = *p.District
	}
	if p.Area != nil {
		parcel.Area = *p.Area
	}
	if p.Notes != nil {
		parcel.Notes = *p.Notes
	}
	if p.Phone != nil {
		parcel.Phone = *p.Phone
	}
	if p.Address != nil {
		parcel.Address = *p.Address
	}
	return parcel
}

// =============================================================================
// CROP CYCLE
// =============================================================================

type CropCycle struct {
	ID          CycleID
	ParcelID    ParcelID
	Crop        string
	Irrigations int
	Label       string // value of ciclo_actual when the cycle started
	StartedOn   time.Time
	EndedOn     *time.Time
	Active      bool
}

// =============================================================================
// RECEIPT
// =============================================================================

type ActionKind string

const (
	ActionNewCycle             ActionKind = "NewCycle"
	ActionAdditionalIrrigation ActionKind = "AdditionalIrrigation"
)

type Receipt struct {
	ID               ReceiptID
	Folio            int64
	IssuedAt         time.Time
	ParcelID         ParcelID
	CycleID          CycleID
	Crop             string
	IrrigationNumber int
	Action           ActionKind
	Amount           decimal.Decimal
	CycleLabel       string
	Deleted          bool
	DeletedAt        *time.Time
	DeletedReason    string
}

// =============================================================================
// FEES
// =============================================================================

type FeeType struct {
	ID          FeeTypeID
	Name        string
	Rate        decimal.Decimal // per hectare
	Description string
	Active      bool
	NextFolio   int64
	CreatedAt   time.Time
}

type FeeTypePatch struct {
	Name        *string
	Rate        *decimal.Decimal
	Description *string
}

func (p FeeTypePatch) IsEmpty() bool {
	return p.Name == nil && p.Rate == nil && p.Description == nil
}

// ParcelSnapshot is the copy of parcel fields kept on fee rows.
type ParcelSnapshot struct {
	ParcelID ParcelID
	Lot      string
	Owner    string
	District string
}

func SnapshotOf(p Parcel) ParcelSnapshot {
	return ParcelSnapshot{ParcelID: p.ID, Lot: p.Lot, Owner: p.Owner, District: p.District}
}

// FeeObligation keeps the rate in force at assignment. Later fee type edits
// never reach it; only an area change re-prices an unpaid obligation.
type FeeObligation struct {
	ID           ObligationID
	FeeTypeID    FeeTypeID
	ParcelSnapshot
	Rate         decimal.Decimal
	Amount       decimal.Decimal
	AssignedAt   time.Time
	Paid         bool
	PaidOn       *time.Time
	ReceiptFolio *int64
}

type FeeReceipt struct {
	ID           int64
	Folio        int64
	FeeTypeID    FeeTypeID
	FeeName      string
	IssuedAt     time.Time
	ObligationID ObligationID
	ParcelSnapshot
	Amount  decimal.Decimal
	Deleted bool
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditKind string

const (
	AuditParcelCreated      AuditKind = "parcel_created"
	AuditParcelUpdated      AuditKind = "parcel_updated"
	AuditParcelDeleted      AuditKind = "parcel_deleted"
	AuditParcelSplit        AuditKind = "parcel_split"
	AuditParcelRenamed      AuditKind = "parcel_renamed"
	AuditCycleStarted       AuditKind = "cycle_started"
	AuditCycleClosed        AuditKind = "cycle_closed"
	AuditCropChanged        AuditKind = "crop_changed"
	AuditCycleOpened        AuditKind = "cycle_opened"
	AuditIrrigationSold     AuditKind = "irrigation_sold"
	AuditReceiptReversed    AuditKind = "receipt_reversed"
	AuditFolioSet           AuditKind = "folio_set"
	AuditCycleRollover      AuditKind = "cycle_rollover"
	AuditDayClosed          AuditKind = "day_closed"
	AuditFeeTypeCreated     AuditKind = "fee_type_created"
	AuditFeeTypeUpdated     AuditKind = "fee_type_updated"
	AuditFeeTypeDeactivated AuditKind = "fee_type_deactivated"
	AuditFeeAssigned        AuditKind = "fee_assigned"
	AuditFeeBulkAssigned    AuditKind = "fee_bulk_assigned"
	AuditFeePaid            AuditKind = "fee_paid"
)

// SystemActor is the only actor the ledger knows about.
const SystemActor = "System"

type AuditEntry struct {
	ID          int64
	At          time.Time
	Kind        AuditKind
	Actor       string
	Description string
	Snapshot    string // JSON of the prior state, empty when none
}

type AuditFilter struct {
	Kinds []AuditKind
	From  *time.Time
	To    *time.Time
	Limit int
}
