// Package core provides money parsing and handling utilities.
//
// Amounts arrive from the backend as strings ("10.50") or JSON numbers
// (10.5). Both are parsed as decimals and stored as integer cents so sums
// and comparisons never go through binary floating point.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string to cents with half-up rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Zero is
// allowed; negative values, exponents and garbage are rejected.
//
// Examples:
//
//	ParseAmount("12.34")  -> 1234, nil
//	ParseAmount("12,34")  -> 1234, nil
//	ParseAmount("12.345") -> 1235, nil (rounds up)
//	ParseAmount("0")      -> 0, nil
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.ContainsAny(s, "eE+") {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	if d.IsNegative() {
		return Money{}, ErrInvalidAmount
	}
	// Prevent overflow when shifting to cents
	if d.GreaterThan(decimal.New(1<<62, -2)) {
		return Money{}, ErrInvalidAmount
	}
	return Money{Cents: d.Round(2).Shift(2).IntPart()}, nil
}

// Decimal returns the amount as an exact decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount with two fractional digits, e.g. "35.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Add returns the sum of two amounts.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// DivRound divides the amount by n with half-up rounding to the cent.
// Returns zero when n is not positive.
func (m Money) DivRound(n int) Money {
	if n <= 0 {
		return Money{}
	}
	q := m.Decimal().Div(decimal.NewFromInt(int64(n))).Round(2)
	return Money{Cents: q.Shift(2).IntPart()}
}
