/*
Package fees is the cooperative-fee ledger.

PURPOSE:
  Fee types (maintenance quotas, extraordinary levies) are priced per hectare
  and assigned to parcels as obligations. Paying an obligation issues a fee
  receipt numbered from the fee type's own folio sequence. The ledger lives
  in its own database and is never joined in a transaction with the
  irrigation ledger.

KEY TYPES:
  Ledger:       the service
  ParcelReader: where parcel data comes from (the main sqlite store)
  Summary:      per fee type collection figures

PARCEL SYNC:
  Obligations keep a snapshot of the parcel's lot, owner and district.
  When a parcel is edited the registry calls SyncParcel, which refreshes the
  snapshot and re-prices unpaid obligations. A paid obligation is never
  re-priced. Sync is best-effort: the parcel edit is not rolled back when it
  fails.

SEE ALSO:
  - parcels/registry.go: the FeeSync caller
  - store/sqlite/fees.go: the FeeStore implementation
*/
package fees

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// ParcelReader loads parcels from the irrigation ledger.
type ParcelReader interface {
	GetParcel(ctx context.Context, id ledger.ParcelID) (*ledger.Parcel, error)
}

type Ledger struct {
	store   ledger.FeeTxStore
	parcels ParcelReader
	clock   ledger.Clock
	log     zerolog.Logger
}

type options struct {
	clock ledger.Clock
	log   zerolog.Logger
}

type Option func(*options)

func WithClock(c ledger.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func NewLedger(store ledger.FeeTxStore, parcels ParcelReader, opts ...Option) *Ledger {
	o := options{clock: ledger.SystemClock, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Ledger{store: store, parcels: parcels, clock: o.clock, log: o.log}
}

// =============================================================================
// FEE TYPES
// =============================================================================

func (l *Ledger) CreateFeeType(ctx context.Context, name string, rate decimal.Decimal, description string) (*ledger.FeeType, error) {
	ft := ledger.FeeType{
		Name:        strings.TrimSpace(name),
		Rate:        rate,
		Description: strings.TrimSpace(description),
		Active:      true,
		NextFolio:   1,
	}
	if err := validateFeeType(ft); err != nil {
		return nil, err
	}

	err := l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		now := l.clock()
		ft.CreatedAt = now
		id, err := tx.CreateFeeType(ctx, ft)
		if err != nil {
			return err
		}
		ft.ID = id
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditFeeTypeCreated, nil,
			"Fee type %s created at %s per ha", ft.Name, ft.Rate.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}
	return &ft, nil
}

// UpdateFeeType edits name, rate or description. Existing obligations keep
// the amount they were assigned with.
func (l *Ledger) UpdateFeeType(ctx context.Context, id ledger.FeeTypeID, patch ledger.FeeTypePatch) (*ledger.FeeType, error) {
	if patch.IsEmpty() {
		return nil, ledger.Invalid("patch", "nothing to update")
	}

	var updated *ledger.FeeType
	err := l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		prior, err := feeType(ctx, tx, id)
		if err != nil {
			return err
		}

		ft := *prior
		if patch.Name != nil {
			ft.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Rate != nil {
			ft.Rate = *patch.Rate
		}
		if patch.Description != nil {
			ft.Description = strings.TrimSpace(*patch.Description)
		}
		if err := validateFeeType(ft); err != nil {
			return err
		}

		if err := tx.UpdateFeeType(ctx, ft); err != nil {
			return err
		}
		updated = &ft
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(l.clock(), ledger.AuditFeeTypeUpdated, prior,
			"Fee type %s updated", ft.Name))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateFeeType stops new assignments. Pending obligations can still be paid.
func (l *Ledger) DeactivateFeeType(ctx context.Context, id ledger.FeeTypeID) error {
	return l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		prior, err := feeType(ctx, tx, id)
		if err != nil {
			return err
		}
		if !prior.Active {
			return fmt.Errorf("fee type %d: %w", id, ledger.ErrFeeTypeInactive)
		}

		ft := *prior
		ft.Active = false
		if err := tx.UpdateFeeType(ctx, ft); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(l.clock(), ledger.AuditFeeTypeDeactivated, prior,
			"Fee type %s deactivated", ft.Name))
	})
}

func validateFeeType(ft ledger.FeeType) error {
	if ft.Name == "" {
		return ledger.Invalid("name", "is required")
	}
	if !ft.Rate.IsPositive() {
		return ledger.Invalid("rate", "must be greater than 0")
	}
	return nil
}

func feeType(ctx context.Context, s ledger.FeeStore, id ledger.FeeTypeID) (*ledger.FeeType, error) {
	ft, err := s.GetFeeType(ctx, id)
	if err != nil {
		return nil, err
	}
	if ft == nil {
		return nil, fmt.Errorf("fee type %d: %w", id, ledger.ErrFeeTypeNotFound)
	}
	return ft, nil
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

// Assign charges one parcel area × rate of the fee type.
func (l *Ledger) Assign(ctx context.Context, parcelID ledger.ParcelID, feeTypeID ledger.FeeTypeID) (*ledger.FeeObligation, error) {
	parcel, err := l.parcels.GetParcel(ctx, parcelID)
	if err != nil {
		return nil, err
	}
	if parcel == nil || !parcel.Active {
		return nil, fmt.Errorf("parcel %d: %w", parcelID, ledger.ErrParcelNotFound)
	}

	var obligation *ledger.FeeObligation
	err = l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		ft, err := assignableFeeType(ctx, tx, feeTypeID)
		if err != nil {
			return err
		}

		now := l.clock()
		obligation, err = createObligation(ctx, tx, ft, *parcel, now)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditFeeAssigned, nil,
			"Fee %s assigned to parcel %s (%s): %s",
			ft.Name, parcel.Lot, parcel.Owner, obligation.Amount.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}
	return obligation, nil
}

// AssignBulk assigns the fee type to every given parcel in one transaction.
// Inactive parcels, parcels that already owe it and parcels whose insert
// fails are skipped. It returns the number of obligations created; when
// nothing was created and some insert failed, that failure is returned.
func (l *Ledger) AssignBulk(ctx context.Context, feeTypeID ledger.FeeTypeID, parcels []ledger.Parcel) (int, error) {
	var created int
	err := l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		created = 0
		var failure error
		ft, err := assignableFeeType(ctx, tx, feeTypeID)
		if err != nil {
			return err
		}

		now := l.clock()
		total := decimal.Zero
		for _, p := range parcels {
			if !p.Active {
				continue
			}
			o, err := createObligation(ctx, tx, ft, p, now)
			if errors.Is(err, ledger.ErrDuplicateObligation) {
				l.log.Debug().Str("lot", p.Lot).Str("fee", ft.Name).Msg("fee already assigned, skipped")
				continue
			}
			if err != nil {
				l.log.Warn().Err(err).Str("lot", p.Lot).Str("fee", ft.Name).Msg("fee assignment failed, skipped")
				failure = err
				continue
			}
			created++
			total = total.Add(o.Amount)
		}

		if created == 0 {
			return failure
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditFeeBulkAssigned, nil,
			"Fee %s assigned to %d parcels, total %s", ft.Name, created, total.StringFixed(2)))
	})
	if err != nil {
		return 0, err
	}

	l.log.Info().Int64("fee_type_id", int64(feeTypeID)).Int("created", created).Msg("bulk fee assignment")
	return created, nil
}

func assignableFeeType(ctx context.Context, tx ledger.FeeStore, id ledger.FeeTypeID) (*ledger.FeeType, error) {
	ft, err := feeType(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !ft.Active {
		return nil, fmt.Errorf("fee type %s: %w", ft.Name, ledger.ErrFeeTypeInactive)
	}
	return ft, nil
}

func createObligation(ctx context.Context, tx ledger.FeeStore, ft *ledger.FeeType, p ledger.Parcel, now time.Time) (*ledger.FeeObligation, error) {
	o := ledger.FeeObligation{
		FeeTypeID:      ft.ID,
		ParcelSnapshot: ledger.SnapshotOf(p),
		Rate:           ft.Rate,
		Amount:         p.Area.Mul(ft.Rate),
		AssignedAt:     now,
	}
	id, err := tx.CreateObligation(ctx, o)
	if err != nil {
		return nil, err
	}
	o.ID = id
	return &o, nil
}

// =============================================================================
// PAYMENT
// =============================================================================

// Pay settles an obligation and issues its receipt under the next folio of
// the fee type. Fee receipts have no reversal path.
func (l *Ledger) Pay(ctx context.Context, id ledger.ObligationID) (*ledger.FeeReceipt, error) {
	var receipt *ledger.FeeReceipt
	err := l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		o, err := tx.GetObligation(ctx, id)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("obligation %d: %w", id, ledger.ErrObligationNotFound)
		}
		if o.Paid {
			return fmt.Errorf("obligation %d: %w", id, ledger.ErrAlreadyPaid)
		}

		ft, err := feeType(ctx, tx, o.FeeTypeID)
		if err != nil {
			return err
		}
		folio, err := tx.FeeFolios(ft.ID).Next(ctx)
		if err != nil {
			return err
		}

		now := l.clock()
		receipt = &ledger.FeeReceipt{
			Folio:          folio,
			FeeTypeID:      ft.ID,
			FeeName:        ft.Name,
			IssuedAt:       now,
			ObligationID:   o.ID,
			ParcelSnapshot: o.ParcelSnapshot,
			Amount:         o.Amount,
		}
		if receipt.ID, err = tx.InsertFeeReceipt(ctx, *receipt); err != nil {
			return err
		}
		if err := tx.MarkObligationPaid(ctx, o.ID, now, folio); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditFeePaid, o,
			"Fee %s paid by parcel %s (%s): folio %d, %s",
			ft.Name, o.Lot, o.Owner, folio, o.Amount.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("fee", receipt.FeeName).
		Int64("folio", receipt.Folio).
		Str("amount", receipt.Amount.StringFixed(2)).
		Msg("fee paid")
	return receipt, nil
}

// =============================================================================
// PARCEL SYNC
// =============================================================================

// SyncParcel refreshes the parcel snapshot on its obligations. Unpaid
// obligations are re-priced at area × the rate recorded at assignment, so
// only an area change moves an amount. It returns the obligations touched.
func (l *Ledger) SyncParcel(ctx context.Context, parcel ledger.Parcel) (int, error) {
	var touched, repriced int
	err := l.store.WithTx(ctx, func(tx ledger.FeeStore) error {
		n, err := tx.UpdateParcelSnapshot(ctx, ledger.SnapshotOf(parcel))
		if err != nil {
			return err
		}
		touched, repriced = n, 0

		obligations, err := tx.ObligationsByParcel(ctx, parcel.ID)
		if err != nil {
			return err
		}
		for _, o := range obligations {
			if o.Paid {
				continue
			}
			amount := parcel.Area.Mul(o.Rate)
			if amount.Equal(o.Amount) {
				continue
			}
			if err := tx.SetObligationAmount(ctx, o.ID, amount); err != nil {
				return err
			}
			repriced++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if repriced > 0 {
		l.log.Info().Str("lot", parcel.Lot).Int("repriced", repriced).Msg("fee obligations re-priced")
	}
	return touched, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetFeeType(ctx context.Context, id ledger.FeeTypeID) (*ledger.FeeType, error) {
	return feeType(ctx, l.store, id)
}

func (l *Ledger) ListFeeTypes(ctx context.Context, activeOnly bool) ([]ledger.FeeType, error) {
	return l.store.ListFeeTypes(ctx, activeOnly)
}

func (l *Ledger) Obligations(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.FeeObligation, error) {
	return l.store.ObligationsByParcel(ctx, parcelID)
}

// Pending returns the parcel's unpaid obligations.
func (l *Ledger) Pending(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.FeeObligation, error) {
	all, err := l.store.ObligationsByParcel(ctx, parcelID)
	if err != nil {
		return nil, err
	}
	pending := make([]ledger.FeeObligation, 0, len(all))
	for _, o := range all {
		if !o.Paid {
			pending = append(pending, o)
		}
	}
	return pending, nil
}

func (l *Ledger) GetReceipt(ctx context.Context, id int64) (*ledger.FeeReceipt, error) {
	r, err := l.store.GetFeeReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ledger.ErrFeeReceiptNotFound
	}
	return r, nil
}

func (l *Ledger) ReceiptsForDay(ctx context.Context, day time.Time) ([]ledger.FeeReceipt, error) {
	from, to := ledger.DayRange(day)
	return l.store.FeeReceiptsBetween(ctx, from, to)
}

// Audit returns the fee ledger's own audit trail.
func (l *Ledger) Audit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return l.store.Audit(ctx, filter)
}
