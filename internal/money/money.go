// Package money converts between human/provider decimal amount strings and
// the integer minor units (kobo) used everywhere inside the engine.
package money

import (
	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseMinor parses a decimal amount string such as "5000" or "5000.50"
// into minor units. Rejects negatives and anything with more than two
// decimal places.
func ParseMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, "invalid amount", err)
	}
	if d.IsNegative() {
		return 0, apperr.New(apperr.KindValidation, "amount must not be negative")
	}
	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return 0, apperr.New(apperr.KindValidation, "amount has more than two decimal places")
	}
	return minor.IntPart(), nil
}

// FormatMinor renders minor units as a two-decimal string for responses.
func FormatMinor(minor int64) string {
	return decimal.NewFromInt(minor).Div(hundred).StringFixed(2)
}
