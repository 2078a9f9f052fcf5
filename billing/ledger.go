package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// Ledger is the receipt ledger and reversal engine.
type Ledger struct {
	store ledger.TxStore
	clock ledger.Clock
	log   zerolog.Logger
}

func NewLedger(store ledger.TxStore, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{store: store, clock: o.clock, log: o.log}
}

// =============================================================================
// ISSUE
// =============================================================================

type IssueRequest struct {
	ParcelID ledger.ParcelID
	Crop     string // required for a new cycle, ignored otherwise
	Quantity int
	NewCycle bool
}

type IssueResult struct {
	Folio    int64
	CycleID  ledger.CycleID
	Receipts []ledger.Receipt
	Total    decimal.Decimal
}

func (r *IssueResult) ReceiptIDs() []ledger.ReceiptID {
	ids := make([]ledger.ReceiptID, len(r.Receipts))
	for i, rc := range r.Receipts {
		ids[i] = rc.ID
	}
	return ids
}

// Issue sells req.Quantity irrigations in one transaction. All receipts share
// one folio and folio_actual advances exactly once.
func (l *Ledger) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.Quantity < ledger.MinQuantity || req.Quantity > ledger.MaxQuantity {
		return nil, ledger.Invalid("quantity", "must be between %d and %d", ledger.MinQuantity, ledger.MaxQuantity)
	}
	var crop string
	if req.NewCycle {
		var err error
		if crop, err = normalizeCrop(req.Crop); err != nil {
			return nil, err
		}
	}

	var result *IssueResult
	err := l.store.WithTx(ctx, func(tx ledger.Store) error {
		parcel, err := sellableParcel(ctx, tx, req.ParcelID)
		if err != nil {
			return err
		}

		now := l.clock()
		cycle, err := resolveCycle(ctx, tx, req, crop, now)
		if err != nil {
			return err
		}

		label, err := currentLabel(ctx, tx)
		if err != nil {
			return err
		}
		folio, err := tx.Folios().Next(ctx)
		if err != nil {
			return err
		}

		amount := ledger.IrrigationAmount(parcel.Area, cycle.Crop)
		result = &IssueResult{Folio: folio, CycleID: cycle.ID, Total: decimal.Zero}

		for i := 1; i <= req.Quantity; i++ {
			number, err := incrementIrrigation(ctx, tx, cycle)
			if err != nil {
				return err
			}

			action := ledger.ActionAdditionalIrrigation
			if req.NewCycle && i == 1 {
				action = ledger.ActionNewCycle
			}

			receipt := ledger.Receipt{
				Folio:            folio,
				IssuedAt:         now,
				ParcelID:         parcel.ID,
				CycleID:          cycle.ID,
				Crop:             cycle.Crop,
				IrrigationNumber: number,
				Action:           action,
				Amount:           amount,
				CycleLabel:       label,
			}
			id, err := tx.InsertReceipt(ctx, receipt)
			if err != nil {
				return err
			}
			receipt.ID = id

			result.Receipts = append(result.Receipts, receipt)
			result.Total = result.Total.Add(amount)
		}

		kind := ledger.AuditIrrigationSold
		if req.NewCycle {
			kind = ledger.AuditCycleOpened
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, kind, nil,
			"Folio %d: %d irrigation(s) of %s for parcel %s (%s), total %s",
			folio, req.Quantity, cycle.Crop, parcel.Lot, parcel.Owner, result.Total.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Int64("folio", result.Folio).
		Int64("parcel_id", int64(req.ParcelID)).
		Int("quantity", req.Quantity).
		Str("total", result.Total.StringFixed(2)).
		Msg("irrigation sold")
	return result, nil
}

func resolveCycle(ctx context.Context, tx ledger.Store, req IssueRequest, crop string, now time.Time) (*ledger.CropCycle, error) {
	if req.NewCycle {
		cycle, _, err := startCycle(ctx, tx, req.ParcelID, crop, now)
		return cycle, err
	}

	cycle, err := tx.ActiveCycle(ctx, req.ParcelID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fmt.Errorf("parcel %d: %w", req.ParcelID, ledger.ErrNoActiveCycle)
	}
	return cycle, nil
}

// =============================================================================
// REVERSE
// =============================================================================

type ReversalResult struct {
	ReceiptID    ledger.ReceiptID
	Folio        int64
	Amount       decimal.Decimal
	CycleDeleted bool
	FolioRewound bool
	FolioActual  int64
}

// Reverse soft-deletes a receipt issued today and undoes its effect on the
// cycle counter. The folio sequence is rewound only when this receipt held
// the last folio handed out in the current cycle label and no other live
// receipt shares it.
func (l *Ledger) Reverse(ctx context.Context, id ledger.ReceiptID, reason string) (*ReversalResult, error) {
	reason = strings.TrimSpace(reason)

	var result *ReversalResult
	err := l.store.WithTx(ctx, func(tx ledger.Store) error {
		receipt, err := tx.GetReceipt(ctx, id)
		if err != nil {
			return err
		}
		if receipt == nil {
			return fmt.Errorf("receipt %d: %w", id, ledger.ErrReceiptNotFound)
		}
		if receipt.Deleted {
			return fmt.Errorf("receipt %d: %w", id, ledger.ErrAlreadyDeleted)
		}

		now := l.clock()
		if !ledger.SameDay(receipt.IssuedAt, now) {
			return fmt.Errorf("receipt %d issued %s: %w",
				id, receipt.IssuedAt.Format(ledger.DateLayout), ledger.ErrNotToday)
		}

		result = &ReversalResult{ReceiptID: id, Folio: receipt.Folio, Amount: receipt.Amount}
		branch, err := undoIrrigation(ctx, tx, receipt, result)
		if err != nil {
			return err
		}

		if err := tx.MarkReceiptDeleted(ctx, id, now, reason); err != nil {
			return err
		}

		if err := rewindIfLast(ctx, tx, receipt, result); err != nil {
			return err
		}

		folioNote := "folio sequence untouched"
		if result.FolioRewound {
			folioNote = fmt.Sprintf("folio sequence rewound to %d", result.FolioActual)
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditReceiptReversed, receipt,
			"Receipt %d (folio %d, %s) reversed: %s; %s. Reason: %s",
			id, receipt.Folio, receipt.Amount.StringFixed(2), branch, folioNote, reason))
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Int64("receipt_id", int64(id)).
		Int64("folio", result.Folio).
		Bool("folio_rewound", result.FolioRewound).
		Bool("cycle_deleted", result.CycleDeleted).
		Msg("receipt reversed")
	return result, nil
}

// undoIrrigation applies the cycle side of a reversal and describes the
// branch taken.
func undoIrrigation(ctx context.Context, tx ledger.Store, receipt *ledger.Receipt, result *ReversalResult) (string, error) {
	cycle, err := tx.GetCycle(ctx, receipt.CycleID)
	if err != nil {
		return "", err
	}
	if cycle == nil {
		return "cycle already removed", nil
	}

	if receipt.Action == ledger.ActionNewCycle && cycle.Irrigations == 1 {
		if err := tx.DeleteCycle(ctx, cycle.ID); err != nil {
			return "", err
		}
		result.CycleDeleted = true
		return fmt.Sprintf("cycle %d (%s) deleted", cycle.ID, cycle.Crop), nil
	}

	n, err := decrementIrrigation(ctx, tx, cycle)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cycle %d (%s) decremented to %d irrigations", cycle.ID, cycle.Crop, n), nil
}

// rewindIfLast runs after the receipt is marked deleted, so live siblings
// do not include it.
func rewindIfLast(ctx context.Context, tx ledger.Store, receipt *ledger.Receipt, result *ReversalResult) error {
	folios := tx.Folios()
	current, err := folios.Current(ctx)
	if err != nil {
		return err
	}
	result.FolioActual = current

	if receipt.Folio != current-1 {
		return nil
	}
	label, err := currentLabel(ctx, tx)
	if err != nil {
		return err
	}
	if receipt.CycleLabel != label {
		return nil
	}
	siblings, err := tx.CountLiveByFolio(ctx, receipt.Folio, label)
	if err != nil {
		return err
	}
	if siblings > 0 {
		return nil
	}

	rewound, err := folios.Rewind(ctx)
	if err != nil {
		return err
	}
	result.FolioRewound = true
	result.FolioActual = rewound
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetReceipt(ctx context.Context, id ledger.ReceiptID) (*ledger.Receipt, error) {
	r, err := l.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ledger.ErrReceiptNotFound
	}
	return r, nil
}

// ReceiptsByFolio returns the live receipts of a folio in the current cycle label.
func (l *Ledger) ReceiptsByFolio(ctx context.Context, folio int64) ([]ledger.Receipt, error) {
	label, err := currentLabel(ctx, l.store)
	if err != nil {
		return nil, err
	}
	return l.store.ReceiptsByFolio(ctx, folio, label)
}

func (l *Ledger) ReceiptsForDay(ctx context.Context, day time.Time) ([]ledger.Receipt, error) {
	from, to := ledger.DayRange(day)
	return l.store.ReceiptsBetween(ctx, from, to)
}

func (l *Ledger) ReceiptsForMonth(ctx context.Context, year int, month time.Month) ([]ledger.Receipt, error) {
	from, to := ledger.MonthRange(year, month, time.Local)
	return l.store.ReceiptsBetween(ctx, from, to)
}

func (l *Ledger) ReceiptsForParcel(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.Receipt, error) {
	return l.store.ReceiptsByParcel(ctx, parcelID)
}

// Audit returns the main ledger's audit trail.
func (l *Ledger) Audit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return l.store.Audit(ctx, filter)
}
