package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrAmountMissing  = errors.New("amount or amountCents is required")
	ErrAmountOverflow = errors.New("amount overflows cents")
)

var maxCents = decimal.NewFromInt(math.MaxInt64)

// DollarsToCents converts a decimal currency amount into integer cents. Sub-cent amounts round
// to the nearest cent, halves away from zero.
func DollarsToCents(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(2).Round(0)
	if cents.Abs().GreaterThan(maxCents) {
		return 0, fmt.Errorf("amount %s overflows cents", amount.String())
	}
	return cents.IntPart(), nil
}

// ParseDollars parses a decimal string such as "12.34" into cents.
func ParseDollars(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return DollarsToCents(d)
}

// ResolveCents picks an explicit cent count when present, otherwise converts the decimal amount.
func ResolveCents(cents *int64, amount *decimal.Decimal) (int64, error) {
	if cents != nil {
		return *cents, nil
	}
	if amount != nil {
		return DollarsToCents(*amount)
	}
	return 0, ErrAmountMissing
}

// AddCents returns a+b, or ErrAmountOverflow when the sum does not fit in an int64.
func AddCents(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}

// SubCents returns a-b, or ErrAmountOverflow when the difference does not fit in an int64.
func SubCents(a, b int64) (int64, error) {
	diff := a - b
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		return 0, ErrAmountOverflow
	}
	return diff, nil
}

// FormatCents renders cents as a fixed two-place decimal string, e.g. 12345 -> "123.45".
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
