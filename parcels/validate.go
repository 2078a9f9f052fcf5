package parcels

import (
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// forbiddenLotChars cannot appear in a lot; lots end up in file names of
// printed receipts.
const forbiddenLotChars = `<>/\|*?`

var (
	maxArea        = decimal.NewFromInt(ledger.MaxParcelArea)
	splitTolerance = decimal.RequireFromString("0.01")
)

func validateParcel(p ledger.Parcel) error {
	if err := validateLot(p.Lot); err != nil {
		return err
	}
	if err := validateOwner(p.Owner); err != nil {
		return err
	}
	if p.Locality == "" {
		return ledger.Invalid("locality", "is required")
	}
	if p.District == "" {
		return ledger.Invalid("district", "is required")
	}
	return validateArea("area", p.Area)
}

func validateLot(lot string) error {
	if lot == "" {
		return ledger.Invalid("lot", "is required")
	}
	if strings.ContainsAny(lot, forbiddenLotChars) {
		return ledger.Invalid("lot", "must not contain any of %s", forbiddenLotChars)
	}
	return nil
}

func validateOwner(owner string) error {
	if utf8.RuneCountInString(owner) < 3 {
		return ledger.Invalid("owner", "must have at least 3 characters")
	}
	return nil
}

func validateArea(field string, area decimal.Decimal) error {
	if !area.IsPositive() {
		return ledger.Invalid(field, "must be greater than 0")
	}
	if area.GreaterThan(maxArea) {
		return ledger.Invalid(field, "must not exceed %d ha", ledger.MaxParcelArea)
	}
	return nil
}

func validateSplit(n int, areas []decimal.Decimal) error {
	if n < 1 {
		return ledger.Invalid("heirs", "must be at least 1")
	}
	if len(areas) != n+1 {
		return ledger.Invalid("areas", "expected %d areas, got %d", n+1, len(areas))
	}
	for _, a := range areas {
		if !a.IsPositive() {
			return ledger.Invalid("areas", "every part must be greater than 0")
		}
	}
	return nil
}

func checkSplitSum(original decimal.Decimal, areas []decimal.Decimal) error {
	sum := decimal.Sum(decimal.Zero, areas...)
	if sum.Sub(original).Abs().GreaterThan(splitTolerance) {
		return &ledger.AreaMismatchError{Original: original, Sum: sum}
	}
	return nil
}
