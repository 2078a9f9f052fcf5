package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// Stats describes the area under cultivation.
type Stats struct {
	Parcels          int
	TotalArea        decimal.Decimal
	PlantedArea      decimal.Decimal
	UnplantedArea    decimal.Decimal
	PlantedPercent   decimal.Decimal
	ParcelsUnplanted int
	Crops            []CropStats
}

type CropStats struct {
	Crop               string
	Parcels            int
	Area               decimal.Decimal
	TotalIrrigations   int
	AverageIrrigations decimal.Decimal
}

// Stats aggregates active parcels and their active cycles.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	parcels, err := l.store.ListParcels(ctx)
	if err != nil {
		return nil, err
	}
	cycles, err := l.store.ActiveCycles(ctx)
	if err != nil {
		return nil, err
	}

	areaByParcel := make(map[ledger.ParcelID]decimal.Decimal, len(parcels))
	stats := &Stats{Parcels: len(parcels), TotalArea: decimal.Zero, PlantedArea: decimal.Zero}
	for _, p := range parcels {
		areaByParcel[p.ID] = p.Area
		stats.TotalArea = stats.TotalArea.Add(p.Area)
	}

	byCrop := map[string]*CropStats{}
	planted := map[ledger.ParcelID]bool{}
	for _, c := range cycles {
		area, ok := areaByParcel[c.ParcelID]
		if !ok {
			continue
		}
		cs := byCrop[c.Crop]
		if cs == nil {
			cs = &CropStats{Crop: c.Crop, Area: decimal.Zero}
			byCrop[c.Crop] = cs
		}
		cs.Parcels++
		cs.Area = cs.Area.Add(area)
		cs.TotalIrrigations += c.Irrigations

		planted[c.ParcelID] = true
		stats.PlantedArea = stats.PlantedArea.Add(area)
	}

	stats.UnplantedArea = stats.TotalArea.Sub(stats.PlantedArea)
	stats.ParcelsUnplanted = len(parcels) - len(planted)
	stats.PlantedPercent = decimal.Zero
	if stats.TotalArea.IsPositive() {
		stats.PlantedPercent = stats.PlantedArea.Div(stats.TotalArea).Mul(decimal.NewFromInt(100)).Round(2)
	}

	for _, cs := range byCrop {
		cs.AverageIrrigations = averageOf(cs.TotalIrrigations, cs.Parcels)
		stats.Crops = append(stats.Crops, *cs)
	}
	sort.Slice(stats.Crops, func(i, j int) bool {
		if stats.Crops[i].Parcels != stats.Crops[j].Parcels {
			return stats.Crops[i].Parcels > stats.Crops[j].Parcels
		}
		return stats.Crops[i].Crop < stats.Crops[j].Crop
	})
	return stats, nil
}

// CropStats returns the figures for one crop. An unplanted crop yields zeros.
func (l *Ledger) CropStats(ctx context.Context, crop string) (*CropStats, error) {
	crop = ledger.NormalizeCrop(crop)
	stats, err := l.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for _, cs := range stats.Crops {
		if cs.Crop == crop {
			return &cs, nil
		}
	}
	return &CropStats{Crop: crop, Area: decimal.Zero, AverageIrrigations: decimal.Zero}, nil
}

func averageOf(total, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(total)).Div(decimal.NewFromInt(int64(n))).Round(1)
}
