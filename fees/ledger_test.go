package fees_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/irrigation-ledger/fees"
	"github.com/warp/irrigation-ledger/ledger"
	"github.com/warp/irrigation-ledger/parcels"
	"github.com/warp/irrigation-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	main     *sqlite.Store
	feeStore *sqlite.FeeStore
	fees     *fees.Ledger
	registry *parcels.Registry
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	main, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { main.Close() })

	feeStore, err := sqlite.NewFeeStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { feeStore.Close() })

	f := &fixture{main: main, feeStore: feeStore, now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.Local)}
	clock := func() time.Time { return f.now }
	f.fees = fees.NewLedger(feeStore, main, fees.WithClock(clock))
	f.registry = parcels.NewRegistry(main, parcels.WithFeeSync(f.fees), parcels.WithClock(clock))
	return f
}

func (f *fixture) parcel(t *testing.T, lot, area string) *ledger.Parcel {
	p, err := f.registry.Create(context.Background(), parcels.NewParcel{
		Lot:      lot,
		Owner:    "María López",
		Locality: "El Carmen",
		District: "Norte",
		Area:     decimal.RequireFromString(area),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) feeType(t *testing.T, name, rate string) *ledger.FeeType {
	ft, err := f.fees.CreateFeeType(context.Background(), name, decimal.RequireFromString(rate), "")
	require.NoError(t, err)
	return ft
}

func (f *fixture) feeAudit(t *testing.T, kinds ...ledger.AuditKind) []ledger.AuditEntry {
	entries, err := f.fees.Audit(context.Background(), ledger.AuditFilter{Kinds: kinds})
	require.NoError(t, err)
	return entries
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// FEE TYPES
// =============================================================================

func TestFeeType_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ft := f.feeType(t, " Cuota de mantenimiento ", "150")
	assert.Equal(t, "Cuota de mantenimiento", ft.Name)
	assert.True(t, ft.Active)
	assert.Equal(t, int64(1), ft.NextFolio)

	_, err := f.fees.CreateFeeType(ctx, "Cuota de mantenimiento", dec("10"), "")
	assert.ErrorIs(t, err, ledger.ErrDuplicateFeeType)

	_, err = f.fees.CreateFeeType(ctx, "Limpieza", dec("0"), "")
	assert.True(t, ledger.IsValidation(err))
	_, err = f.fees.CreateFeeType(ctx, "  ", dec("5"), "")
	assert.True(t, ledger.IsValidation(err))

	assert.Len(t, f.feeAudit(t, ledger.AuditFeeTypeCreated), 1)
}

func TestFeeType_UpdateDoesNotReprice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "2")
	ft := f.feeType(t, "Limpieza", "100")

	o, err := f.fees.Assign(ctx, p.ID, ft.ID)
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(dec("200")))

	rate := dec("300")
	updated, err := f.fees.UpdateFeeType(ctx, ft.ID, ledger.FeeTypePatch{Rate: &rate})
	require.NoError(t, err)
	assert.True(t, updated.Rate.Equal(rate))

	obligations, err := f.fees.Obligations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, obligations, 1)
	assert.True(t, obligations[0].Amount.Equal(dec("200")))

	_, err = f.fees.UpdateFeeType(ctx, ft.ID, ledger.FeeTypePatch{})
	assert.True(t, ledger.IsValidation(err))
	_, err = f.fees.UpdateFeeType(ctx, 99, ledger.FeeTypePatch{Rate: &rate})
	assert.ErrorIs(t, err, ledger.ErrFeeTypeNotFound)
}

func TestFeeType_Deactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "2")
	ft := f.feeType(t, "Limpieza", "100")
	o, err := f.fees.Assign(ctx, p.ID, ft.ID)
	require.NoError(t, err)

	require.NoError(t, f.fees.DeactivateFeeType(ctx, ft.ID))
	assert.ErrorIs(t, f.fees.DeactivateFeeType(ctx, ft.ID), ledger.ErrFeeTypeInactive)

	other := f.parcel(t, "102", "1")
	_, err = f.fees.Assign(ctx, other.ID, ft.ID)
	assert.ErrorIs(t, err, ledger.ErrFeeTypeInactive)

	// pending obligations can still be paid
	_, err = f.fees.Pay(ctx, o.ID)
	require.NoError(t, err)

	active, err := f.fees.ListFeeTypes(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

func TestAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "2.5")
	ft := f.feeType(t, "Limpieza", "40")

	o, err := f.fees.Assign(ctx, p.ID, ft.ID)
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(dec("100")))
	assert.Equal(t, "101", o.Lot)
	assert.Equal(t, "María López", o.Owner)
	assert.Equal(t, "Norte", o.District)
	assert.False(t, o.Paid)

	_, err = f.fees.Assign(ctx, p.ID, ft.ID)
	assert.ErrorIs(t, err, ledger.ErrDuplicateObligation)

	_, err = f.fees.Assign(ctx, 99, ft.ID)
	assert.ErrorIs(t, err, ledger.ErrParcelNotFound)

	assert.Len(t, f.feeAudit(t, ledger.AuditFeeAssigned), 1)
}

func TestAssignBulk_SkipsAlreadyAssigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.parcel(t, "101", "1")
	f.parcel(t, "102", "2")
	f.parcel(t, "103", "3")
	ft := f.feeType(t, "Limpieza", "10")

	_, err := f.fees.Assign(ctx, a.ID, ft.ID)
	require.NoError(t, err)

	all, err := f.registry.List(ctx)
	require.NoError(t, err)
	created, err := f.fees.AssignBulk(ctx, ft.ID, all)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	again, err := f.fees.AssignBulk(ctx, ft.ID, all)
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	assert.Len(t, f.feeAudit(t, ledger.AuditFeeBulkAssigned), 1, "an empty bulk run is not audited")

	summary, err := f.fees.Summary(ctx, ft.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Assigned)
	assert.True(t, summary.Total.Equal(dec("60")))
}

// failingFeeStore rejects every obligation insert for one lot.
type failingFeeStore struct {
	*sqlite.FeeStore
	lot string
}

func (s *failingFeeStore) WithTx(ctx context.Context, fn func(ledger.FeeStore) error) error {
	return s.FeeStore.WithTx(ctx, func(tx ledger.FeeStore) error {
		return fn(failingFeeTx{FeeStore: tx, lot: s.lot})
	})
}

type failingFeeTx struct {
	ledger.FeeStore
	lot string
}

func (tx failingFeeTx) CreateObligation(ctx context.Context, o ledger.FeeObligation) (ledger.ObligationID, error) {
	if o.Lot == tx.lot {
		return 0, errors.New("disk I/O error")
	}
	return tx.FeeStore.CreateObligation(ctx, o)
}

func TestAssignBulk_SkipsFailedParcel(t *testing.T) {
	// GIVEN: Three parcels, the insert for lot 102 failing
	// WHEN: The fee is assigned to all of them
	// THEN: The other two are assigned and audited once

	f := newFixture(t)
	ctx := context.Background()
	f.parcel(t, "101", "1")
	b := f.parcel(t, "102", "2")
	f.parcel(t, "103", "3")
	ft := f.feeType(t, "Limpieza", "10")

	flaky := fees.NewLedger(&failingFeeStore{FeeStore: f.feeStore, lot: "102"}, f.main)
	all, err := f.registry.List(ctx)
	require.NoError(t, err)

	created, err := flaky.AssignBulk(ctx, ft.ID, all)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Len(t, f.feeAudit(t, ledger.AuditFeeBulkAssigned), 1)

	owed, err := f.fees.Obligations(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, owed)

	// nothing left to create but the failing lot: its error is reported
	_, err = flaky.AssignBulk(ctx, ft.ID, all)
	assert.EqualError(t, err, "disk I/O error")
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestPay_FoliosPerFeeType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.parcel(t, "101", "1")
	b := f.parcel(t, "102", "2")
	limpieza := f.feeType(t, "Limpieza", "10")
	obra := f.feeType(t, "Obra", "50")

	oa, err := f.fees.Assign(ctx, a.ID, limpieza.ID)
	require.NoError(t, err)
	ob, err := f.fees.Assign(ctx, b.ID, limpieza.ID)
	require.NoError(t, err)
	oc, err := f.fees.Assign(ctx, a.ID, obra.ID)
	require.NoError(t, err)

	r1, err := f.fees.Pay(ctx, oa.ID)
	require.NoError(t, err)
	r2, err := f.fees.Pay(ctx, ob.ID)
	require.NoError(t, err)
	r3, err := f.fees.Pay(ctx, oc.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Folio)
	assert.Equal(t, int64(2), r2.Folio)
	assert.Equal(t, int64(1), r3.Folio, "each fee type numbers its own receipts")
	assert.Equal(t, "Obra", r3.FeeName)
	assert.True(t, r2.Amount.Equal(dec("20")))

	paid, err := f.feeStore.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	assert.True(t, paid.Paid)
	require.NotNil(t, paid.ReceiptFolio)
	assert.Equal(t, int64(2), *paid.ReceiptFolio)

	stored, err := f.fees.GetReceipt(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, "102", stored.Lot)

	today, err := f.fees.ReceiptsForDay(ctx, f.now)
	require.NoError(t, err)
	assert.Len(t, today, 3)
}

func TestPay_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "1")
	ft := f.feeType(t, "Limpieza", "10")
	o, err := f.fees.Assign(ctx, p.ID, ft.ID)
	require.NoError(t, err)

	_, err = f.fees.Pay(ctx, 99)
	assert.ErrorIs(t, err, ledger.ErrObligationNotFound)

	_, err = f.fees.Pay(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.fees.Pay(ctx, o.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyPaid)

	next, err := f.feeStore.FeeFolios(ft.ID).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next, "a rejected payment does not consume a folio")
	assert.Len(t, f.feeAudit(t, ledger.AuditFeePaid), 1)

	_, err = f.fees.GetReceipt(ctx, 42)
	assert.ErrorIs(t, err, ledger.ErrFeeReceiptNotFound)
}

// =============================================================================
// PARCEL SYNC
// =============================================================================

func TestSync_ParcelEditsReachObligations(t *testing.T) {
	// GIVEN: A parcel owing two fees, one of them paid
	// WHEN: The parcel is renamed and its area changes
	// THEN: Both obligations carry the new owner, only the unpaid one is re-priced

	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "2")
	limpieza := f.feeType(t, "Limpieza", "10")
	obra := f.feeType(t, "Obra", "50")

	paid, err := f.fees.Assign(ctx, p.ID, limpieza.ID)
	require.NoError(t, err)
	pending, err := f.fees.Assign(ctx, p.ID, obra.ID)
	require.NoError(t, err)
	_, err = f.fees.Pay(ctx, paid.ID)
	require.NoError(t, err)

	res, err := f.registry.Rename(ctx, p.ID, "José López")
	require.NoError(t, err)
	require.NoError(t, res.SyncErr)
	assert.Equal(t, 2, res.Synced)

	area := dec("3")
	res, err = f.registry.Update(ctx, p.ID, ledger.ParcelPatch{Area: &area})
	require.NoError(t, err)
	require.NoError(t, res.SyncErr)

	got, err := f.feeStore.GetObligation(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, "José López", got.Owner)
	assert.True(t, got.Amount.Equal(dec("20")), "paid obligations keep their amount")

	got, err = f.feeStore.GetObligation(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "José López", got.Owner)
	assert.True(t, got.Amount.Equal(dec("150")))

	left, err := f.fees.Pending(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, pending.ID, left[0].ID)
}

func TestSync_KeepsRateOfAssignment(t *testing.T) {
	// GIVEN: A 2 ha parcel owing a fee assigned at rate 10
	// WHEN: The rate is raised to 15, then the parcel is renamed and later grows
	// THEN: The rename leaves 20, the area change re-prices at the old rate

	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "2")
	limpieza := f.feeType(t, "Limpieza", "10")

	o, err := f.fees.Assign(ctx, p.ID, limpieza.ID)
	require.NoError(t, err)
	assert.True(t, o.Rate.Equal(dec("10")))

	rate := dec("15")
	_, err = f.fees.UpdateFeeType(ctx, limpieza.ID, ledger.FeeTypePatch{Rate: &rate})
	require.NoError(t, err)

	res, err := f.registry.Rename(ctx, p.ID, "José López")
	require.NoError(t, err)
	require.NoError(t, res.SyncErr)

	got, err := f.feeStore.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "José López", got.Owner)
	assert.True(t, got.Amount.Equal(dec("20")), "rename must not re-price, got %s", got.Amount)

	area := dec("3")
	res, err = f.registry.Update(ctx, p.ID, ledger.ParcelPatch{Area: &area})
	require.NoError(t, err)
	require.NoError(t, res.SyncErr)

	got, err = f.feeStore.GetObligation(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("30")), "area change uses the assigned rate, got %s", got.Amount)
	assert.True(t, got.Rate.Equal(dec("10")))
}

func TestSync_FailureKeepsParcelEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.parcel(t, "101", "2")

	require.NoError(t, f.feeStore.Close())

	res, err := f.registry.Rename(ctx, p.ID, "José López")
	require.NoError(t, err)

	var syncErr *ledger.SyncError
	require.True(t, errors.As(res.SyncErr, &syncErr))
	assert.Equal(t, p.ID, syncErr.ParcelID)

	got, err := f.registry.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "José López", got.Owner)
}

// =============================================================================
// SUMMARIES
// =============================================================================

func TestOverviewAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.parcel(t, "101", "1")
	b := f.parcel(t, "102", "3")
	limpieza := f.feeType(t, "Limpieza", "10")
	obra := f.feeType(t, "Obra", "100")

	oa, err := f.fees.Assign(ctx, a.ID, limpieza.ID)
	require.NoError(t, err)
	_, err = f.fees.Assign(ctx, b.ID, limpieza.ID)
	require.NoError(t, err)
	_, err = f.fees.Assign(ctx, b.ID, obra.ID)
	require.NoError(t, err)
	_, err = f.fees.Pay(ctx, oa.ID)
	require.NoError(t, err)

	summary, err := f.fees.Summary(ctx, limpieza.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Assigned)
	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 1, summary.Pending)
	assert.True(t, summary.Collected.Equal(dec("10")))
	assert.True(t, summary.Outstanding.Equal(dec("30")))

	require.NoError(t, f.fees.DeactivateFeeType(ctx, obra.ID))
	overview, err := f.fees.Overview(ctx)
	require.NoError(t, err)
	require.Len(t, overview, 1)
	assert.Equal(t, "Limpieza", overview[0].FeeType.Name)

	stats, err := f.fees.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FeeTypes)
	assert.Equal(t, 3, stats.Obligations)
	assert.Equal(t, 1, stats.Paid)
	assert.True(t, stats.Total.Equal(dec("340")))
	assert.True(t, stats.Outstanding.Equal(dec("330")))

	_, err = f.fees.Summary(ctx, 99)
	assert.ErrorIs(t, err, ledger.ErrFeeTypeNotFound)
}
