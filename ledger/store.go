/*
store.go - Persistence interfaces for the irrigation and fee ledgers

PURPOSE:
  Defines the interface between the business services and the database.
  Two physical stores exist: the main ledger (parcels, cycles, receipts,
  settings) and the fee ledger (fee types, obligations, fee receipts). They
  are never joined in one database transaction.

KEY INTERFACES:
  Settings:  Key/value configuration (ciclo_actual, fecha_ultimo_cierre)
  Sequence:  A monotonic folio counter advanced in one statement
  Store:     Everything the main ledger persists
  TxStore:   Store plus atomic multi-table writes
  FeeStore:  Everything the fee ledger persists
  AuditLog:  Append-only audit trail, carried by both stores

TRANSACTIONS:
  WithTx hands fn a store bound to one database transaction. Every call made
  inside fn MUST go through that store. The outer store serializes writers,
  so calling it from inside fn blocks.

NOT FOUND:
  Single-row getters return (nil, nil) when the row does not exist. The
  services turn that into the matching sentinel error.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: main ledger
  - store/sqlite/fees.go:   fee ledger

SEE ALSO:
  - errors.go: errors returned by implementations
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Setting keys of the main ledger.
const (
	SettingFolio     = "folio_actual"
	SettingCycle     = "ciclo_actual"
	SettingLastClose = "fecha_ultimo_cierre"
)

// DefaultCycleLabel is used when ciclo_actual has never been set.
const DefaultCycleLabel = "SIN CICLO"

// =============================================================================
// SETTINGS AND SEQUENCES
// =============================================================================

type Settings interface {
	// GetSetting returns the value and whether the key exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// SetSetting upserts a value. Last writer wins.
	SetSetting(ctx context.Context, key, value string) error
}

// Sequence is a folio counter. The stored value is the NEXT folio to hand out.
type Sequence interface {
	Current(ctx context.Context) (int64, error)

	// Next returns the folio to assign and advances the counter by one, in a
	// single statement.
	Next(ctx context.Context) (int64, error)

	// Rewind moves the counter back by one, never below 1, and returns the
	// new value.
	Rewind(ctx context.Context) (int64, error)

	Reset(ctx context.Context, value int64) error
}

// =============================================================================
// MAIN LEDGER
// =============================================================================

type ParcelStore interface {
	// CreateParcel returns ErrDuplicateLot when the lot exists.
	CreateParcel(ctx context.Context, p Parcel) (ParcelID, error)
	GetParcel(ctx context.Context, id ParcelID) (*Parcel, error)
	GetParcelByLot(ctx context.Context, lot string) (*Parcel, error)

	// UpdateParcel overwrites every mutable column of the row with p.
	UpdateParcel(ctx context.Context, p Parcel) error

	// ListParcels returns active parcels ordered by owner.
	ListParcels(ctx context.Context) ([]Parcel, error)

	// SearchParcels matches active parcels by exact lot when term is all
	// digits, otherwise by substring of owner or lot.
	SearchParcels(ctx context.Context, term string) ([]Parcel, error)
	CountActiveParcels(ctx context.Context) (int, error)
}

type CycleStore interface {
	// CreateCycle returns ErrActiveCycleConflict if the parcel already has an
	// active cycle.
	CreateCycle(ctx context.Context, c CropCycle) (CycleID, error)
	GetCycle(ctx context.Context, id CycleID) (*CropCycle, error)
	ActiveCycle(ctx context.Context, parcelID ParcelID) (*CropCycle, error)

	// CycleHistory returns every cycle of a parcel, newest first.
	CycleHistory(ctx context.Context, parcelID ParcelID) ([]CropCycle, error)
	ActiveCycles(ctx context.Context) ([]CropCycle, error)

	// AddIrrigations adds delta to the counter, flooring at zero, and
	// returns the new count.
	AddIrrigations(ctx context.Context, id CycleID, delta int) (int, error)
	CloseCycle(ctx context.Context, id CycleID, endedOn time.Time) error
	DeleteCycle(ctx context.Context, id CycleID) error
}

type ReceiptStore interface {
	InsertReceipt(ctx context.Context, r Receipt) (ReceiptID, error)
	GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error)

	// The list queries below return live receipts only.
	ReceiptsByFolio(ctx context.Context, folio int64, label string) ([]Receipt, error)
	ReceiptsBetween(ctx context.Context, from, to time.Time) ([]Receipt, error)
	ReceiptsByParcel(ctx context.Context, parcelID ParcelID) ([]Receipt, error)
	CountLiveByFolio(ctx context.Context, folio int64, label string) (int, error)

	// MaxLiveFolio returns 0 when the label has no live receipts.
	MaxLiveFolio(ctx context.Context, label string) (int64, error)

	MarkReceiptDeleted(ctx context.Context, id ReceiptID, at time.Time, reason string) error
}

// AuditLog stores audit entries. Append-only: no update, no delete.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// Audit returns entries newest first.
	Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type Store interface {
	Settings
	ParcelStore
	CycleStore
	ReceiptStore
	AuditLog

	// Folios returns the global receipt folio sequence (folio_actual).
	Folios() Sequence
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FEE LEDGER
// =============================================================================

type FeeStore interface {
	// CreateFeeType and UpdateFeeType return ErrDuplicateFeeType on a name clash.
	CreateFeeType(ctx context.Context, ft FeeType) (FeeTypeID, error)
	GetFeeType(ctx context.Context, id FeeTypeID) (*FeeType, error)
	ListFeeTypes(ctx context.Context, activeOnly bool) ([]FeeType, error)
	UpdateFeeType(ctx context.Context, ft FeeType) error

	// FeeFolios returns the fee type's own receipt sequence.
	FeeFolios(id FeeTypeID) Sequence

	// CreateObligation returns ErrDuplicateObligation when the parcel already
	// owes this fee type.
	CreateObligation(ctx context.Context, o FeeObligation) (ObligationID, error)
	GetObligation(ctx context.Context, id ObligationID) (*FeeObligation, error)
	ObligationsByParcel(ctx context.Context, parcelID ParcelID) ([]FeeObligation, error)
	ObligationsByFeeType(ctx context.Context, id FeeTypeID) ([]FeeObligation, error)
	MarkObligationPaid(ctx context.Context, id ObligationID, paidOn time.Time, folio int64) error
	SetObligationAmount(ctx context.Context, id ObligationID, amount decimal.Decimal) error

	// UpdateParcelSnapshot rewrites lot, owner and district on every
	// obligation of the parcel and returns the number of rows touched.
	UpdateParcelSnapshot(ctx context.Context, snap ParcelSnapshot) (int, error)

	InsertFeeReceipt(ctx context.Context, r FeeReceipt) (int64, error)
	GetFeeReceipt(ctx context.Context, id int64) (*FeeReceipt, error)
	FeeReceiptsBetween(ctx context.Context, from, to time.Time) ([]FeeReceipt, error)

	AuditLog
}

type FeeTxStore interface {
	FeeStore
	WithTx(ctx context.Context, fn func(FeeStore) error) error
}
