package parcels_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/irrigation-ledger/ledger"
	"github.com/warp/irrigation-ledger/parcels"
	"github.com/warp/irrigation-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 3, 9, 0, 0, 0, time.Local)

type fakeSync struct {
	calls []ledger.Parcel
	err   error
}

func (f *fakeSync) SyncParcel(_ context.Context, p ledger.Parcel) (int, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func newTestRegistry(t *testing.T) (*parcels.Registry, *sqlite.Store, *fakeSync) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sync := &fakeSync{}
	registry := parcels.NewRegistry(store,
		parcels.WithFeeSync(sync),
		parcels.WithClock(func() time.Time { return testNow }),
	)
	return registry, store, sync
}

func validParcel(lot string) parcels.NewParcel {
	return parcels.NewParcel{
		Lot:      lot,
		Owner:    "María López",
		Locality: "San Miguel",
		District: "Norte",
		Area:     decimal.NewFromInt(4),
	}
}

func auditCount(t *testing.T, store *sqlite.Store) int {
	entries, err := store.Audit(context.Background(), ledger.AuditFilter{})
	require.NoError(t, err)
	return len(entries)
}

func openCycle(t *testing.T, store *sqlite.Store, id ledger.ParcelID) {
	_, err := store.CreateCycle(context.Background(), ledger.CropCycle{
		ParcelID: id, Crop: "MAÍZ", Label: ledger.DefaultCycleLabel, StartedOn: testNow, Active: true,
	})
	require.NoError(t, err)
}

// =============================================================================
// CREATE
// =============================================================================

func TestRegistry_Create_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*parcels.NewParcel)
		field  string
	}{
		{"empty lot", func(p *parcels.NewParcel) { p.Lot = "  " }, "lot"},
		{"slash in lot", func(p *parcels.NewParcel) { p.Lot = "12/3" }, "lot"},
		{"question mark in lot", func(p *parcels.NewParcel) { p.Lot = "12?" }, "lot"},
		{"short owner", func(p *parcels.NewParcel) { p.Owner = "Al" }, "owner"},
		{"missing locality", func(p *parcels.NewParcel) { p.Locality = "" }, "locality"},
		{"missing district", func(p *parcels.NewParcel) { p.District = "" }, "district"},
		{"zero area", func(p *parcels.NewParcel) { p.Area = decimal.Zero }, "area"},
		{"negative area", func(p *parcels.NewParcel) { p.Area = decimal.NewFromInt(-1) }, "area"},
		{"area above 100", func(p *parcels.NewParcel) { p.Area = decimal.RequireFromString("100.5") }, "area"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, store, _ := newTestRegistry(t)
			in := validParcel("101")
			tt.mutate(&in)

			_, err := registry.Create(context.Background(), in)

			var vErr *ledger.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.True(t, ledger.IsValidation(err))
			assert.Equal(t, 0, auditCount(t, store), "rejected input leaves no audit entry")
		})
	}
}

func TestRegistry_Create_AcceptsMaxArea(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	in := validParcel("101")
	in.Area = decimal.NewFromInt(100)
	in.Owner = "  Ana  "

	p, err := registry.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Owner)
	assert.True(t, p.Active)
	assert.Equal(t, 1, auditCount(t, store))
}

func TestRegistry_Create_DuplicateLot(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)

	_, err = registry.Create(ctx, validParcel("101"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateLot)
	assert.True(t, ledger.IsConflict(err))
}

// =============================================================================
// UPDATE / DELETE
// =============================================================================

func TestRegistry_Update_AreaLockedByActiveCycle(t *testing.T) {
	// GIVEN: Parcel with an active crop cycle
	// WHEN: Changing its area
	// THEN: Rejected, nothing audited, no fee sync

	registry, store, sync := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)
	openCycle(t, store, p.ID)

	area := decimal.NewFromInt(3)
	_, err = registry.Update(ctx, p.ID, ledger.ParcelPatch{Area: &area})
	assert.ErrorIs(t, err, ledger.ErrActiveCycleConflict)
	assert.Equal(t, 1, auditCount(t, store))
	assert.Empty(t, sync.calls)

	// other fields stay editable
	phone := "555-0101"
	res, err := registry.Update(ctx, p.ID, ledger.ParcelPatch{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "555-0101", res.Parcel.Phone)
	assert.Empty(t, sync.calls, "phone is not copied to the fee ledger")
}

func TestRegistry_Update_AreaSyncsFees(t *testing.T) {
	registry, store, sync := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)

	area := decimal.RequireFromString("3.5")
	res, err := registry.Update(ctx, p.ID, ledger.ParcelPatch{Area: &area})
	require.NoError(t, err)
	assert.NoError(t, res.SyncErr)
	assert.Equal(t, 1, res.Synced)
	require.Len(t, sync.calls, 1)
	assert.True(t, sync.calls[0].Area.Equal(area))

	entries, err := store.Audit(ctx, ledger.AuditFilter{Kinds: []ledger.AuditKind{ledger.AuditParcelUpdated}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Snapshot, `"Area":"4"`, "snapshot holds the prior state")
}

func TestRegistry_Update_EmptyPatch(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, err := registry.Update(context.Background(), 1, ledger.ParcelPatch{})
	assert.True(t, ledger.IsValidation(err))
}

func TestRegistry_SoftDelete(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)
	openCycle(t, store, p.ID)

	assert.ErrorIs(t, registry.SoftDelete(ctx, p.ID), ledger.ErrActiveCycleConflict)

	cycle, err := store.ActiveCycle(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, store.CloseCycle(ctx, cycle.ID, testNow))

	require.NoError(t, registry.SoftDelete(ctx, p.ID))
	assert.ErrorIs(t, registry.SoftDelete(ctx, p.ID), ledger.ErrParcelNotFound)

	got, err := registry.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	count, err := registry.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// =============================================================================
// RENAME AND SYNC
// =============================================================================

func TestRegistry_Rename_SyncFailureKeepsEdit(t *testing.T) {
	// GIVEN: The fee ledger is unavailable
	// WHEN: Renaming the owner
	// THEN: The rename is committed and the sync failure is reported

	registry, _, sync := newTestRegistry(t)
	ctx := context.Background()
	sync.err = errors.New("fee database locked")

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)

	res, err := registry.Rename(ctx, p.ID, "Pedro López")
	require.NoError(t, err)

	var syncErr *ledger.SyncError
	require.ErrorAs(t, res.SyncErr, &syncErr)
	assert.Equal(t, p.ID, syncErr.ParcelID)

	got, err := registry.GetByLot(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, "Pedro López", got.Owner)
}

func TestRegistry_Rename_MissingParcel(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	_, err := registry.Rename(context.Background(), 99, "Pedro López")
	assert.ErrorIs(t, err, ledger.ErrParcelNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// SPLIT
// =============================================================================

func TestRegistry_Split_CreatesHeirs(t *testing.T) {
	registry, store, sync := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)

	areas := []decimal.Decimal{
		decimal.RequireFromString("2"),
		decimal.RequireFromString("1.005"),
		decimal.RequireFromString("1"),
	}
	res, err := registry.Split(ctx, p.ID, 2, areas)
	require.NoError(t, err)

	assert.True(t, res.Original.Area.Equal(decimal.NewFromInt(2)))
	require.Len(t, res.Heirs, 2)
	assert.Equal(t, "101-1", res.Heirs[0].Lot)
	assert.Equal(t, "María López (Heredero 1)", res.Heirs[0].Owner)
	assert.Equal(t, "101-2", res.Heirs[1].Lot)
	assert.Equal(t, "Norte", res.Heirs[1].District)
	require.Len(t, sync.calls, 1, "only the original parcel has obligations to re-price")

	heir, err := registry.GetByLot(ctx, "101-2")
	require.NoError(t, err)
	assert.True(t, heir.Area.Equal(decimal.NewFromInt(1)))

	// one entry for create, one for the split
	assert.Equal(t, 2, auditCount(t, store))
}

func TestRegistry_Split_Rejections(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)

	_, err = registry.Split(ctx, p.ID, 0, nil)
	assert.True(t, ledger.IsValidation(err), "n must be at least 1")

	_, err = registry.Split(ctx, p.ID, 2, []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(2)})
	assert.True(t, ledger.IsValidation(err), "n+1 areas required")

	_, err = registry.Split(ctx, p.ID, 1, []decimal.Decimal{decimal.NewFromInt(4), decimal.Zero})
	assert.True(t, ledger.IsValidation(err), "every part positive")

	_, err = registry.Split(ctx, p.ID, 1, []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(1)})
	var mismatch *ledger.AreaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, mismatch.Sum.Equal(decimal.NewFromInt(3)))

	openCycle(t, store, p.ID)
	_, err = registry.Split(ctx, p.ID, 1, []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(2)})
	assert.ErrorIs(t, err, ledger.ErrActiveCycleConflict)

	assert.Equal(t, 1, auditCount(t, store))
}

func TestRegistry_Split_HeirLotTakenRollsBack(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	p, err := registry.Create(ctx, validParcel("101"))
	require.NoError(t, err)
	_, err = registry.Create(ctx, validParcel("101-1"))
	require.NoError(t, err)

	_, err = registry.Split(ctx, p.ID, 1, []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(2)})
	assert.ErrorIs(t, err, ledger.ErrDuplicateLot)

	got, err := registry.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Area.Equal(decimal.NewFromInt(4)), "original area untouched")
}

func TestRegistry_Search(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Create(ctx, validParcel("7"))
	require.NoError(t, err)
	other := validParcel("70")
	other.Owner = "José Ramírez"
	_, err = registry.Create(ctx, other)
	require.NoError(t, err)

	found, err := registry.Search(ctx, "7")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "7", found[0].Lot)

	found, err = registry.Search(ctx, "Ramírez")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "70", found[0].Lot)

	all, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
