package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// DAY CLOSE
// =============================================================================

type DayClose struct {
	Date     time.Time
	Receipts []ledger.Receipt
	Total    decimal.Decimal
}

// DayTotal sums the live receipts issued on day.
func (l *Ledger) DayTotal(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	receipts, err := l.ReceiptsForDay(ctx, day)
	if err != nil {
		return decimal.Zero, err
	}
	return sumReceipts(receipts), nil
}

// CloseDay totals today's receipts and records fecha_ultimo_cierre. Closing
// twice on the same day is allowed and records a second entry.
func (l *Ledger) CloseDay(ctx context.Context) (*DayClose, error) {
	var result *DayClose
	err := l.store.WithTx(ctx, func(tx ledger.Store) error {
		now := l.clock()
		from, to := ledger.DayRange(now)
		receipts, err := tx.ReceiptsBetween(ctx, from, to)
		if err != nil {
			return err
		}

		result = &DayClose{Date: from, Receipts: receipts, Total: sumReceipts(receipts)}
		date := from.Format(ledger.DateLayout)
		if err := tx.SetSetting(ctx, ledger.SettingLastClose, date); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditDayClosed, nil,
			"Day %s closed: %d receipts, total %s", date, len(receipts), result.Total.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().Time("date", result.Date).Str("total", result.Total.StringFixed(2)).Msg("day closed")
	return result, nil
}

// LastClose returns the date of the last day close, if any.
func (l *Ledger) LastClose(ctx context.Context) (*time.Time, error) {
	value, ok, err := l.store.GetSetting(ctx, ledger.SettingLastClose)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.ParseInLocation(ledger.DateLayout, value, time.Local)
	if err != nil {
		return nil, fmt.Errorf("corrupt %s %q: %w", ledger.SettingLastClose, value, err)
	}
	return &t, nil
}

func sumReceipts(receipts []ledger.Receipt) decimal.Decimal {
	total := decimal.Zero
	for _, r := range receipts {
		total = total.Add(r.Amount)
	}
	return total
}

// =============================================================================
// FOLIO AND CYCLE LABEL
// =============================================================================

func (l *Ledger) CurrentFolio(ctx context.Context) (int64, error) {
	return l.store.Folios().Current(ctx)
}

func (l *Ledger) CurrentCycleLabel(ctx context.Context) (string, error) {
	return currentLabel(ctx, l.store)
}

// SetFolio moves folio_actual by hand. The new value must stay above every
// live folio of the current cycle label.
func (l *Ledger) SetFolio(ctx context.Context, folio int64) error {
	if folio < 1 {
		return ledger.Invalid("folio", "must be a positive integer")
	}

	return l.store.WithTx(ctx, func(tx ledger.Store) error {
		label, err := currentLabel(ctx, tx)
		if err != nil {
			return err
		}
		highest, err := tx.MaxLiveFolio(ctx, label)
		if err != nil {
			return err
		}
		if folio <= highest {
			return ledger.Invalid("folio", "must be greater than %d, the highest folio already issued", highest)
		}

		previous, err := tx.Folios().Current(ctx)
		if err != nil {
			return err
		}
		if err := tx.Folios().Reset(ctx, folio); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(l.clock(), ledger.AuditFolioSet, nil,
			"Folio set by hand from %d to %d", previous, folio))
	})
}

// Rollover switches the cycle label and restarts folios at 1. Switching back
// to a label already in use continues after its highest live folio instead.
// Parcels, cycles and receipts are kept.
func (l *Ledger) Rollover(ctx context.Context, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return ledger.Invalid("label", "is required")
	}

	var folio int64
	err := l.store.WithTx(ctx, func(tx ledger.Store) error {
		previous, err := currentLabel(ctx, tx)
		if err != nil {
			return err
		}
		if previous == label {
			return ledger.Invalid("label", "%q is already the current cycle", label)
		}

		highest, err := tx.MaxLiveFolio(ctx, label)
		if err != nil {
			return err
		}
		folio = highest + 1

		if err := tx.SetSetting(ctx, ledger.SettingCycle, label); err != nil {
			return err
		}
		if err := tx.Folios().Reset(ctx, folio); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(l.clock(), ledger.AuditCycleRollover, nil,
			"Cycle label changed from %s to %s, folios restarted at %d", previous, label, folio))
	})
	if err != nil {
		return err
	}

	l.log.Info().Str("label", label).Int64("folio", folio).Msg("cycle rollover")
	return nil
}
