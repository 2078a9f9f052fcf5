package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/irrigation-ledger/billing"
	"github.com/warp/irrigation-ledger/ledger"
)

// =============================================================================
// CYCLES
// =============================================================================

func TestCycles_StartClosesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")

	first, err := f.cycles.Start(ctx, parcelID, "maíz")
	require.NoError(t, err)
	assert.Equal(t, "MAÍZ", first.Crop)
	assert.Equal(t, 0, first.Irrigations)
	assert.Equal(t, "2025-A", first.Label)

	second, err := f.cycles.Start(ctx, parcelID, "trigo")
	require.NoError(t, err)

	active, err := f.cycles.Active(ctx, parcelID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	closed, err := f.cycles.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, closed.Active)
	require.NotNil(t, closed.EndedOn)

	history, err := f.cycles.History(ctx, parcelID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCycles_AdditionalSaleAfterStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "1")

	_, err := f.cycles.Start(ctx, parcelID, "COLIFLOR")
	require.NoError(t, err)

	res := f.issue(t, parcelID, "", 1, false)
	assert.Equal(t, ledger.ActionAdditionalIrrigation, res.Receipts[0].Action)
	assert.Equal(t, 1, res.Receipts[0].IrrigationNumber)
	assert.True(t, res.Total.Equal(dec("30")))
}

func TestCycles_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")
	res := f.issue(t, parcelID, "MAÍZ", 2, true)

	require.NoError(t, f.cycles.Close(ctx, res.CycleID))
	assert.ErrorIs(t, f.cycles.Close(ctx, res.CycleID), ledger.ErrCycleClosed)
	assert.ErrorIs(t, f.cycles.Close(ctx, 999), ledger.ErrCycleNotFound)

	_, err := f.ledger.Issue(ctx, billing.IssueRequest{ParcelID: parcelID, Quantity: 1})
	assert.ErrorIs(t, err, ledger.ErrNoActiveCycle)
}

func TestCycles_ChangeCrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")

	_, err := f.cycles.ChangeCrop(ctx, parcelID, "FRIJOL", "")
	assert.ErrorIs(t, err, ledger.ErrNoActiveCycle)

	old := f.issue(t, parcelID, "MAÍZ", 2, true)
	changed, err := f.cycles.ChangeCrop(ctx, parcelID, "frijol", "helada")
	require.NoError(t, err)
	assert.Equal(t, "FRIJOL", changed.Crop)
	assert.Equal(t, 0, changed.Irrigations)

	previous, err := f.cycles.Get(ctx, old.CycleID)
	require.NoError(t, err)
	assert.False(t, previous.Active)
	assert.Equal(t, 2, previous.Irrigations, "sold irrigations stay on the closed cycle")

	entries, err := f.store.Audit(ctx, ledger.AuditFilter{Kinds: []ledger.AuditKind{ledger.AuditCropChanged}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Description, "MAÍZ -> FRIJOL")
	assert.Contains(t, entries[0].Description, "helada")
}

func TestCycles_ReverseOnClosedCycleStillDecrements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")

	res := f.issue(t, parcelID, "MAÍZ", 3, true)
	require.NoError(t, f.cycles.Close(ctx, res.CycleID))

	_, err := f.ledger.Reverse(ctx, res.Receipts[2].ID, "")
	require.NoError(t, err)

	cycle, err := f.cycles.Get(ctx, res.CycleID)
	require.NoError(t, err)
	assert.Equal(t, 2, cycle.Irrigations)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestAdmin_CloseDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")

	last, err := f.ledger.LastClose(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	res := f.issue(t, parcelID, "MAÍZ", 2, true)
	_, err = f.ledger.Reverse(ctx, res.Receipts[1].ID, "")
	require.NoError(t, err)

	closing, err := f.ledger.CloseDay(ctx)
	require.NoError(t, err)
	assert.Len(t, closing.Receipts, 1, "reversed receipts are excluded")
	assert.True(t, closing.Total.Equal(dec("40")))

	last, err = f.ledger.LastClose(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "2025-06-03", last.Format(ledger.DateLayout))
}

func TestAdmin_SetFolio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")
	f.issue(t, parcelID, "MAÍZ", 1, true)
	f.issue(t, parcelID, "", 1, false)

	err := f.ledger.SetFolio(ctx, 0)
	assert.True(t, ledger.IsValidation(err))

	err = f.ledger.SetFolio(ctx, 2)
	assert.True(t, ledger.IsValidation(err), "folio 2 was already issued")
	assert.Equal(t, int64(3), f.folio(t))

	require.NoError(t, f.ledger.SetFolio(ctx, 500))
	assert.Equal(t, int64(500), f.folio(t))
	assert.Equal(t, int64(500), f.issue(t, parcelID, "", 1, false).Folio)
}

func TestAdmin_Rollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")
	old := f.issue(t, parcelID, "MAÍZ", 1, true)

	assert.True(t, ledger.IsValidation(f.ledger.Rollover(ctx, " ")))
	assert.True(t, ledger.IsValidation(f.ledger.Rollover(ctx, "2025-A")))

	require.NoError(t, f.ledger.Rollover(ctx, "2025-B"))
	label, err := f.ledger.CurrentCycleLabel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-B", label)
	assert.Equal(t, int64(1), f.folio(t))

	// the active cycle survives and folios restart under the new label
	res := f.issue(t, parcelID, "", 1, false)
	assert.Equal(t, int64(1), res.Folio)
	assert.Equal(t, "2025-B", res.Receipts[0].CycleLabel)
	assert.Equal(t, old.CycleID, res.CycleID)

	byFolio, err := f.ledger.ReceiptsByFolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, byFolio, 1, "folio lookups are scoped to the current label")
	assert.Equal(t, res.Receipts[0].ID, byFolio[0].ID)
}

func TestAdmin_Rollover_BackToUsedLabel(t *testing.T) {
	// GIVEN: Folios 1 and 2 issued under 2025-A, then a rollover to 2025-B
	// WHEN: The label is switched back to 2025-A
	// THEN: Folios continue at 3 and folio 1 still names a single sale

	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")
	first := f.issue(t, parcelID, "MAÍZ", 1, true)
	f.issue(t, parcelID, "", 1, false)

	require.NoError(t, f.ledger.Rollover(ctx, "2025-B"))
	f.issue(t, parcelID, "", 1, false)

	require.NoError(t, f.ledger.Rollover(ctx, "2025-A"))
	assert.Equal(t, int64(3), f.folio(t))

	res := f.issue(t, parcelID, "", 1, false)
	assert.Equal(t, int64(3), res.Folio)

	byFolio, err := f.ledger.ReceiptsByFolio(ctx, 1)
	require.NoError(t, err)
	require.Len(t, byFolio, 1)
	assert.Equal(t, first.Receipts[0].ID, byFolio[0].ID)

	entries, err := f.ledger.Audit(ctx, ledger.AuditFilter{Kinds: []ledger.AuditKind{ledger.AuditCycleRollover}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].Description, "restarted at 3")
}

func TestAdmin_AuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")

	f.issue(t, parcelID, "MAÍZ", 1, true)
	f.issue(t, parcelID, "", 1, false)
	require.NoError(t, f.ledger.SetFolio(ctx, 10))
	_, err := f.ledger.CloseDay(ctx)
	require.NoError(t, err)

	entries, err := f.ledger.Audit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	kinds := []ledger.AuditKind{entries[0].Kind, entries[1].Kind, entries[2].Kind, entries[3].Kind}
	assert.Equal(t, []ledger.AuditKind{
		ledger.AuditDayClosed, ledger.AuditFolioSet, ledger.AuditIrrigationSold, ledger.AuditCycleOpened,
	}, kinds)
	for _, e := range entries {
		assert.Equal(t, ledger.SystemActor, e.Actor)
	}
}

// =============================================================================
// STATS
// =============================================================================

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.parcel(t, "101", "2")
	b := f.parcel(t, "102", "3")
	c := f.parcel(t, "103", "5")
	f.parcel(t, "104", "10")

	f.issue(t, a, "MAÍZ", 2, true)
	f.issue(t, b, "MAÍZ", 4, true)
	f.issue(t, c, "TRIGO", 1, true)

	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Parcels)
	assert.True(t, stats.TotalArea.Equal(dec("20")))
	assert.True(t, stats.PlantedArea.Equal(dec("10")))
	assert.True(t, stats.UnplantedArea.Equal(dec("10")))
	assert.True(t, stats.PlantedPercent.Equal(dec("50")))
	assert.Equal(t, 1, stats.ParcelsUnplanted)

	require.Len(t, stats.Crops, 2)
	assert.Equal(t, "MAÍZ", stats.Crops[0].Crop)
	assert.Equal(t, 2, stats.Crops[0].Parcels)
	assert.Equal(t, 6, stats.Crops[0].TotalIrrigations)
	assert.True(t, stats.Crops[0].AverageIrrigations.Equal(dec("3")))
	assert.True(t, stats.Crops[0].Area.Equal(dec("5")))

	trigo, err := f.ledger.CropStats(ctx, "trigo")
	require.NoError(t, err)
	assert.Equal(t, 1, trigo.Parcels)

	none, err := f.ledger.CropStats(ctx, "sorgo")
	require.NoError(t, err)
	assert.Equal(t, 0, none.Parcels)
	assert.True(t, none.Area.IsZero())
}

func TestStats_Empty(t *testing.T) {
	f := newFixture(t)
	stats, err := f.ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Parcels)
	assert.True(t, stats.PlantedPercent.IsZero())
	assert.Empty(t, stats.Crops)
}

func TestReceipts_MonthBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parcelID := f.parcel(t, "101", "2")

	f.clock.now = time.Date(2025, time.June, 30, 23, 59, 0, 0, time.Local)
	f.issue(t, parcelID, "MAÍZ", 1, true)
	f.clock.now = time.Date(2025, time.July, 1, 0, 0, 0, 0, time.Local)
	f.issue(t, parcelID, "", 1, false)

	june, err := f.ledger.ReceiptsForMonth(ctx, 2025, time.June)
	require.NoError(t, err)
	assert.Len(t, june, 1)
	july, err := f.ledger.ReceiptsForMonth(ctx, 2025, time.July)
	require.NoError(t, err)
	assert.Len(t, july, 1)
}
