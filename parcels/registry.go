/*
Package parcels manages the registry of land parcels.

PURPOSE:
  A parcel ("campesino" in the office's vocabulary) is the unit every
  irrigation receipt and every cooperation fee is charged to. The registry
  validates and persists parcels, splits them among heirs and keeps the fee
  ledger's copy of owner and area in step.

AREA IMMUTABILITY:
  While a parcel has an active crop cycle its area cannot change: updates
  that touch the area, splits and deletion are rejected with
  ledger.ErrActiveCycleConflict.

FEE LEDGER SYNC:
  The fee ledger lives in another database. After an edit commits, the
  registry asks FeeSync to refresh snapshots and re-price unpaid
  obligations. A failure there is logged and reported in Result.SyncErr;
  the parcel edit is never rolled back.

SEE ALSO:
  - fees/ledger.go: the FeeSync implementation
  - validate.go: field rules
*/
package parcels

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// FeeSync propagates parcel edits to the fee ledger. It returns the number
// of obligations it touched.
type FeeSync interface {
	SyncParcel(ctx context.Context, parcel ledger.Parcel) (int, error)
}

type NewParcel struct {
	Lot      string
	Owner    string
	Locality string
	District string
	Area     decimal.Decimal
	Notes    string
	Phone    string
	Address  string
}

// Result is the outcome of an edit that is followed by a fee ledger sync.
type Result struct {
	Parcel  *ledger.Parcel
	Synced  int
	SyncErr error
}

type SplitResult struct {
	Original *ledger.Parcel
	Heirs    []ledger.Parcel
	Synced   int
	SyncErr  error
}

// Registry is the parcel service.
type Registry struct {
	store ledger.TxStore
	sync  FeeSync
	clock ledger.Clock
	log   zerolog.Logger
}

type Option func(*Registry)

func WithFeeSync(s FeeSync) Option {
	return func(r *Registry) { r.sync = s }
}

func WithClock(c ledger.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(store ledger.TxStore, opts ...Option) *Registry {
	r := &Registry{store: store, clock: ledger.SystemClock, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (r *Registry) Create(ctx context.Context, in NewParcel) (*ledger.Parcel, error) {
	p := ledger.Parcel{
		Lot:          strings.TrimSpace(in.Lot),
		Owner:        strings.TrimSpace(in.Owner),
		Locality:     strings.TrimSpace(in.Locality),
		District:     strings.TrimSpace(in.District),
		Area:         in.Area,
		Notes:        strings.TrimSpace(in.Notes),
		Phone:        strings.TrimSpace(in.Phone),
		Address:      strings.TrimSpace(in.Address),
		Active:       true,
		RegisteredAt: r.clock(),
	}
	if err := validateParcel(p); err != nil {
		return nil, err
	}

	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		id, err := tx.CreateParcel(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(p.RegisteredAt, ledger.AuditParcelCreated, nil,
			"Parcel %s registered to %s (%s ha)", p.Lot, p.Owner, p.Area.StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Int64("parcel_id", int64(p.ID)).Str("lot", p.Lot).Msg("parcel registered")
	return &p, nil
}

// Update applies a typed patch. Touching the area requires the parcel to have
// no active cycle.
func (r *Registry) Update(ctx context.Context, id ledger.ParcelID, patch ledger.ParcelPatch) (*Result, error) {
	if patch.IsEmpty() {
		return nil, ledger.Invalid("patch", "no fields to update")
	}

	var updated ledger.Parcel
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		prior, err := activeParcel(ctx, tx, id)
		if err != nil {
			return err
		}

		updated = patch.Apply(*prior)
		trimParcel(&updated)
		if err := validateParcel(updated); err != nil {
			return err
		}
		if patch.Area != nil && !patch.Area.Equal(prior.Area) {
			if err := requireNoActiveCycle(ctx, tx, id); err != nil {
				return err
			}
		}

		if err := tx.UpdateParcel(ctx, updated); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(r.clock(), ledger.AuditParcelUpdated, prior,
			"Parcel %s updated", updated.Lot))
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Parcel: &updated}
	if patch.Owner != nil || patch.District != nil || patch.Area != nil {
		res.Synced, res.SyncErr = r.syncFees(ctx, updated)
	}
	return res, nil
}

// Rename changes the owner of a parcel.
func (r *Registry) Rename(ctx context.Context, id ledger.ParcelID, owner string) (*Result, error) {
	owner = strings.TrimSpace(owner)
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	var updated ledger.Parcel
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		prior, err := activeParcel(ctx, tx, id)
		if err != nil {
			return err
		}

		updated = *prior
		updated.Owner = owner
		if err := tx.UpdateParcel(ctx, updated); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(r.clock(), ledger.AuditParcelRenamed, prior,
			"Parcel %s renamed from %s to %s", prior.Lot, prior.Owner, owner))
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Parcel: &updated}
	res.Synced, res.SyncErr = r.syncFees(ctx, updated)
	return res, nil
}

// SoftDelete deactivates a parcel. Its receipts and cycles are kept.
func (r *Registry) SoftDelete(ctx context.Context, id ledger.ParcelID) error {
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		prior, err := activeParcel(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := requireNoActiveCycle(ctx, tx, id); err != nil {
			return err
		}

		deleted := *prior
		deleted.Active = false
		if err := tx.UpdateParcel(ctx, deleted); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.NewAuditEntry(r.clock(), ledger.AuditParcelDeleted, prior,
			"Parcel %s of %s deleted", prior.Lot, prior.Owner))
	})
	if err != nil {
		return err
	}

	r.log.Info().Int64("parcel_id", int64(id)).Msg("parcel deleted")
	return nil
}

// Split divides a parcel among n heirs. areas[0] stays with the original
// parcel and areas[i] goes to the heir lot "{lot}-i". The parts must add up
// to the original area within 0.01 ha.
func (r *Registry) Split(ctx context.Context, id ledger.ParcelID, n int, areas []decimal.Decimal) (*SplitResult, error) {
	if err := validateSplit(n, areas); err != nil {
		return nil, err
	}

	var original ledger.Parcel
	var heirs []ledger.Parcel
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		prior, err := activeParcel(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkSplitSum(prior.Area, areas); err != nil {
			return err
		}
		if err := requireNoActiveCycle(ctx, tx, id); err != nil {
			return err
		}

		now := r.clock()
		original = *prior
		original.Area = areas[0]
		if err := tx.UpdateParcel(ctx, original); err != nil {
			return err
		}

		heirs = make([]ledger.Parcel, 0, n)
		for i := 1; i <= n; i++ {
			heir := ledger.Parcel{
				Lot:          fmt.Sprintf("%s-%d", prior.Lot, i),
				Owner:        fmt.Sprintf("%s (Heredero %d)", prior.Owner, i),
				Locality:     prior.Locality,
				District:     prior.District,
				Area:         areas[i],
				Active:       true,
				RegisteredAt: now,
			}
			heirID, err := tx.CreateParcel(ctx, heir)
			if err != nil {
				return err
			}
			heir.ID = heirID
			heirs = append(heirs, heir)
		}

		return tx.AppendAudit(ctx, ledger.NewAuditEntry(now, ledger.AuditParcelSplit, prior,
			"Parcel %s split into %d heirs, %s ha kept", prior.Lot, n, areas[0].StringFixed(2)))
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Int64("parcel_id", int64(id)).Int("heirs", n).Msg("parcel split")

	res := &SplitResult{Original: &original, Heirs: heirs}
	res.Synced, res.SyncErr = r.syncFees(ctx, original)
	return res, nil
}

// syncFees never fails the caller. The error is returned for Result.SyncErr.
func (r *Registry) syncFees(ctx context.Context, p ledger.Parcel) (int, error) {
	if r.sync == nil {
		return 0, nil
	}
	n, err := r.sync.SyncParcel(ctx, p)
	if err != nil {
		r.log.Warn().Err(err).Int64("parcel_id", int64(p.ID)).Msg("fee ledger sync failed")
		return n, &ledger.SyncError{ParcelID: p.ID, Err: err}
	}
	return n, nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the parcel whether or not it is active.
func (r *Registry) Get(ctx context.Context, id ledger.ParcelID) (*ledger.Parcel, error) {
	p, err := r.store.GetParcel(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ledger.ErrParcelNotFound
	}
	return p, nil
}

func (r *Registry) GetByLot(ctx context.Context, lot string) (*ledger.Parcel, error) {
	p, err := r.store.GetParcelByLot(ctx, strings.TrimSpace(lot))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ledger.ErrParcelNotFound
	}
	return p, nil
}

func (r *Registry) List(ctx context.Context) ([]ledger.Parcel, error) {
	return r.store.ListParcels(ctx)
}

func (r *Registry) Search(ctx context.Context, term string) ([]ledger.Parcel, error) {
	return r.store.SearchParcels(ctx, term)
}

func (r *Registry) CountActive(ctx context.Context) (int, error) {
	return r.store.CountActiveParcels(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

func activeParcel(ctx context.Context, store ledger.ParcelStore, id ledger.ParcelID) (*ledger.Parcel, error) {
	p, err := store.GetParcel(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Active {
		return nil, fmt.Errorf("parcel %d: %w", id, ledger.ErrParcelNotFound)
	}
	return p, nil
}

func requireNoActiveCycle(ctx context.Context, store ledger.CycleStore, id ledger.ParcelID) error {
	cycle, err := store.ActiveCycle(ctx, id)
	if err != nil {
		return err
	}
	if cycle != nil {
		return fmt.Errorf("parcel %d grows %s: %w", id, cycle.Crop, ledger.ErrActiveCycleConflict)
	}
	return nil
}

func trimParcel(p *ledger.Parcel) {
	p.Owner = strings.TrimSpace(p.Owner)
	p.Locality = strings.TrimSpace(p.Locality)
	p.District = strings.TrimSpace(p.District)
	p.Notes = strings.TrimSpace(p.Notes)
	p.Phone = strings.TrimSpace(p.Phone)
	p.Address = strings.TrimSpace(p.Address)
}
