// Package units converts between display amounts and the smallest transferable unit.
// One display unit is 1e9 smallest units; all ledger arithmetic uses int64 smallest units.
package units

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the display unit.
const Decimals = 9

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrPrecision     = errors.New("amount has more than 9 fractional digits")
	ErrOverflow      = errors.New("amount overflows int64 units")

	scale    = decimal.New(1, Decimals)
	maxUnits = decimal.NewFromInt(math.MaxInt64)
)

// Parse converts a display string such as "12.5" into smallest units.
func Parse(display string) (int64, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, display)
	}
	return FromDecimal(d)
}

// FromDecimal converts a display decimal into smallest units, rejecting sub-unit precision.
func FromDecimal(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	scaled := d.Mul(scale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrPrecision
	}
	if scaled.GreaterThan(maxUnits) {
		return 0, ErrOverflow
	}
	return scaled.IntPart(), nil
}

// ToDecimal converts smallest units into a display decimal.
func ToDecimal(amount int64) decimal.Decimal {
	return decimal.New(amount, -Decimals)
}

// Format renders smallest units as a display string without trailing zeros.
func Format(amount int64) string {
	return ToDecimal(amount).String()
}
