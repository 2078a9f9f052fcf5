package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// CYCLE MACHINERY (runs on a tx-bound store, never audits)
// =============================================================================

// startCycle closes the parcel's active cycle, if any, and opens a new one
// with zero irrigations under the current ciclo_actual label.
func startCycle(ctx context.Context, tx ledger.Store, parcelID ledger.ParcelID, crop string, now time.Time) (*ledger.CropCycle, *ledger.CropCycle, error) {
	previous, err := tx.ActiveCycle(ctx, parcelID)
	if err != nil {
		return nil, nil, err
	}
	if previous != nil {
		if err := tx.CloseCycle(ctx, previous.ID, now); err != nil {
			return nil, nil, err
		}
	}

	label, err := currentLabel(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	cycle := ledger.CropCycle{
		ParcelID:  parcelID,
		Crop:      crop,
		Label:     label,
		StartedOn: ledger.DayOf(now),
		Active:    true,
	}
	id, err := tx.CreateCycle(ctx, cycle)
	if err != nil {
		return nil, nil, err
	}
	cycle.ID = id
	return &cycle, previous, nil
}

func incrementIrrigation(ctx context.Context, tx ledger.CycleStore, cycle *ledger.CropCycle) (int, error) {
	if !cycle.Active {
		return 0, fmt.Errorf("cycle %d: %w", cycle.ID, ledger.ErrCycleClosed)
	}
	n, err := tx.AddIrrigations(ctx, cycle.ID, 1)
	if err != nil {
		return 0, err
	}
	cycle.Irrigations = n
	return n, nil
}

// decrementIrrigation floors at zero.
func decrementIrrigation(ctx context.Context, tx ledger.CycleStore, cycle *ledger.CropCycle) (int, error) {
	n, err := tx.AddIrrigations(ctx, cycle.ID, -1)
	if err != nil {
		return 0, err
	}
	cycle.Irrigations = n
	return n, nil
}

func normalizeCrop(crop string) (string, error) {
	crop = ledger.NormalizeCrop(crop)
	if crop == "" {
		return "", ledger.Invalid("crop", "is required")
	}
	return crop, nil
}

// =============================================================================
// CYCLES SERVICE
// =============================================================================

// Cycles manages crop cycles outside of a sale.
type Cycles struct {
	store ledger.TxStore
	clock ledger.Clock
	log   zerolog.Logger
}

func NewCycles(store ledger.TxStore, opts ...Option) *Cycles {
	o := buildOptions(opts)
	return &Cycles{store: store, clock: o.clock, log: o.log}
}

// Start opens a new cycle for the parcel, closing the active one.
func (c *Cycles) Start(ctx context.Context, parcelID ledger.ParcelID, crop string) (*ledger.CropCycle, error) {
	crop, err := normalizeCrop(crop)
	if err != nil {
		return nil, err
	}

	var cycle *ledger.CropCycle
	err = c.store.WithTx(ctx, func(tx ledger.Store) error {
		parcel, err := sellableParcel(ctx, tx, parcelID)
		if err != nil {
			return err
		}

		now := c.clock()
		var previous *ledger.CropCycle
		cycle, previous, err = startCycle(ctx, tx, parcelID, crop, now)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditCycleStarted, previous,
			"Cycle %s started for parcel %s (%s)", crop, parcel.Lot, cycle.Label))
	})
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

// Close moves an active cycle to Closed.
func (c *Cycles) Close(ctx context.Context, id ledger.CycleID) error {
	return c.store.WithTx(ctx, func(tx ledger.Store) error {
		cycle, err := tx.GetCycle(ctx, id)
		if err != nil {
			return err
		}
		if cycle == nil {
			return ledger.ErrCycleNotFound
		}
		if !cycle.Active {
			return fmt.Errorf("cycle %d: %w", id, ledger.ErrCycleClosed)
		}

		now := c.clock()
		if err := tx.CloseCycle(ctx, id, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditCycleClosed, cycle,
			"Cycle %d (%s) closed after %d irrigations", id, cycle.Crop, cycle.Irrigations))
	})
}

// ChangeCrop closes the active cycle and opens one for another crop. The
// irrigations already sold stay on the closed cycle.
func (c *Cycles) ChangeCrop(ctx context.Context, parcelID ledger.ParcelID, crop, justification string) (*ledger.CropCycle, error) {
	crop, err := normalizeCrop(crop)
	if err != nil {
		return nil, err
	}

	var cycle *ledger.CropCycle
	err = c.store.WithTx(ctx, func(tx ledger.Store) error {
		parcel, err := sellableParcel(ctx, tx, parcelID)
		if err != nil {
			return err
		}
		active, err := tx.ActiveCycle(ctx, parcelID)
		if err != nil {
			return err
		}
		if active == nil {
			return ledger.ErrNoActiveCycle
		}

		now := c.clock()
		cycle, _, err = startCycle(ctx, tx, parcelID, crop, now)
		if err != nil {
			return err
		}

		desc := fmt.Sprintf("Crop changed for parcel %s: %s -> %s", parcel.Lot, active.Crop, crop)
		if j := strings.TrimSpace(justification); j != "" {
			desc += ". " + j
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditCropChanged, active, "%s", desc))
	})
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func (c *Cycles) Get(ctx context.Context, id ledger.CycleID) (*ledger.CropCycle, error) {
	cycle, err := c.store.GetCycle(ctx, id)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, ledger.ErrCycleNotFound
	}
	return cycle, nil
}

// Active returns the parcel's active cycle or ErrNoActiveCycle.
func (c *Cycles) Active(ctx context.Context, parcelID ledger.ParcelID) (*ledger.CropCycle, error) {
	cycle, err := c.store.ActiveCycle(ctx, parcelID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, ledger.ErrNoActiveCycle
	}
	return cycle, nil
}

func (c *Cycles) History(ctx context.Context, parcelID ledger.ParcelID) ([]ledger.CropCycle, error) {
	return c.store.CycleHistory(ctx, parcelID)
}
