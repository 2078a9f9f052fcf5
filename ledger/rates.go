package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// =============================================================================
// IRRIGATION RATES
// =============================================================================

const (
	// MinQuantity and MaxQuantity bound the irrigations sold in one receipt batch.
	MinQuantity = 1
	MaxQuantity = 25

	// MaxParcelArea is the largest area a parcel may be registered with.
	MaxParcelArea = 100
)

var (
	rateStandard = decimal.NewFromInt(20)
	rateColiflor = decimal.NewFromInt(30)
)

// NormalizeCrop trims and upper-cases a crop name so "maíz" and "MAÍZ" match.
// A Caser is stateful, so one is built per call.
func NormalizeCrop(crop string) string {
	return cases.Upper(language.Spanish).String(strings.TrimSpace(crop))
}

// RateFor returns the price per hectare of one irrigation of crop.
func RateFor(crop string) decimal.Decimal {
	if NormalizeCrop(crop) == "COLIFLOR" {
		return rateColiflor
	}
	return rateStandard
}

// IrrigationAmount is area × rate(crop).
func IrrigationAmount(area decimal.Decimal, crop string) decimal.Decimal {
	return area.Mul(RateFor(crop))
}
