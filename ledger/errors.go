/*
errors.go - Centralized error types for the irrigation ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Service packages wrap these errors with additional context; callers
  classify them with errors.Is / errors.As or the Is* helpers below.

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any mutation
  2. Not found errors - referenced parcel, cycle, receipt or fee is missing
  3. State conflicts - the request is valid but the ledger state forbids it
  4. Store errors - busy database, missing sequence rows

  Validation and state-conflict failures never leave an audit entry.

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
  - store/sqlite/sqlite.go: produces ErrLedgerBusy
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is the root of every validation failure.
	ErrInvalidInput = errors.New("invalid input")

	ErrParcelNotFound  = errors.New("parcel not found")
	ErrCycleNotFound   = errors.New("crop cycle not found")
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrDuplicateLot is returned when a lot is already registered.
	ErrDuplicateLot = errors.New("lot already registered")

	// ErrActiveCycleConflict is returned when an operation needs the parcel
	// to have no active cycle (area edits, deletion, split) or when a second
	// active cycle would be created.
	ErrActiveCycleConflict = errors.New("parcel has an active crop cycle")

	// ErrNoActiveCycle is returned when additional irrigations are sold to a
	// parcel without an active cycle.
	ErrNoActiveCycle = errors.New("parcel has no active crop cycle")

	// ErrCycleClosed is returned when incrementing a closed cycle.
	ErrCycleClosed = errors.New("crop cycle is closed")

	ErrAlreadyDeleted = errors.New("receipt already reversed")

	// ErrNotToday is returned when reversing a receipt issued on a previous day.
	ErrNotToday = errors.New("only receipts issued today can be reversed")

	ErrFeeTypeNotFound     = errors.New("fee type not found")
	ErrDuplicateFeeType    = errors.New("fee type name already exists")
	ErrFeeTypeInactive     = errors.New("fee type is inactive")
	ErrObligationNotFound  = errors.New("fee obligation not found")
	ErrDuplicateObligation = errors.New("fee already assigned to parcel")
	ErrAlreadyPaid         = errors.New("fee obligation already paid")
	ErrFeeReceiptNotFound  = errors.New("fee receipt not found")

	// ErrLedgerBusy is returned when the database stayed locked longer than
	// the configured retry ceiling. Callers may retry the whole operation.
	ErrLedgerBusy = errors.New("ledger busy")

	// ErrSequenceMissing is returned when a folio sequence row does not exist.
	ErrSequenceMissing = errors.New("folio sequence not initialized")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AreaMismatchError is returned by a split whose parts do not add up to the
// original area.
type AreaMismatchError struct {
	Original decimal.Decimal
	Sum      decimal.Decimal
}

func (e *AreaMismatchError) Error() string {
	return fmt.Sprintf("split areas sum to %s ha, parcel has %s ha",
		e.Sum.StringFixed(2), e.Original.StringFixed(2))
}

func (e *AreaMismatchError) Unwrap() error {
	return ErrInvalidInput
}

// SyncError reports that the fee ledger could not follow a parcel edit.
// The parcel edit itself has been committed.
type SyncError struct {
	ParcelID ParcelID
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("fee ledger sync for parcel %d: %v", e.ParcelID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for input errors (HTTP 400).
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrParcelNotFound) ||
		errors.Is(err, ErrCycleNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrFeeTypeNotFound) ||
		errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrFeeReceiptNotFound)
}

// IsConflict returns true when the request was valid but the current ledger
// state forbids it.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateLot) ||
		errors.Is(err, ErrActiveCycleConflict) ||
		errors.Is(err, ErrNoActiveCycle) ||
		errors.Is(err, ErrCycleClosed) ||
		errors.Is(err, ErrAlreadyDeleted) ||
		errors.Is(err, ErrNotToday) ||
		errors.Is(err, ErrDuplicateFeeType) ||
		errors.Is(err, ErrFeeTypeInactive) ||
		errors.Is(err, ErrDuplicateObligation) ||
		errors.Is(err, ErrAlreadyPaid)
}

// IsRetryable returns true if the operation can be retried as a whole.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerBusy)
}
