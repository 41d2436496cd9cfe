package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places carried by minor units (cents).
const MinorUnitExponent = 2

var ErrAmountPrecision = errors.New("amount has more decimal places than the currency allows")

// Amount is a monetary value in integer minor units.
type Amount int64

// Decimal converts the amount to its major-unit decimal form.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -MinorUnitExponent)
}

// String renders the amount in major units, e.g. 1050 -> "10.50".
func (a Amount) String() string {
	return a.Decimal().StringFixed(MinorUnitExponent)
}

// ParseAmount converts a major-unit decimal string ("12.34") into minor units.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Shift(MinorUnitExponent)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("parse amount %q: out of range", s)
	}
	return Amount(minor.IntPart()), nil
}
