// Package xdecimal centralizes decimal parsing and guarded arithmetic for
// prices and quantities. Parse is a lenient parser that maps malformed
// input to zero; the shard and REST decoders parse wire values with
// decimal.NewFromString directly.
package xdecimal

import (
	"github.com/shopspring/decimal"
)

// Zero is the canonical zero value, reused to avoid repeated allocation.
var Zero = decimal.Zero

// Epsilon is the guard threshold below which a denominator is treated as
// zero for the purposes of spec.md's "divisions are guarded" rule.
var Epsilon = decimal.New(1, -12)

// Parse converts a wire string to a Decimal. Malformed input yields zero
// rather than an error — callers are expected to have already rejected the
// frame in validation if the field was required.
func Parse(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GuardedDiv returns num/den, or zero when den's magnitude is at or below
// Epsilon.
func GuardedDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.Abs().LessThanOrEqual(Epsilon) {
		return decimal.Zero
	}
	return num.Div(den)
}

// Mid returns (bid+ask)/2.
func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// BpsOf returns value/base * 10000, guarded.
func BpsOf(value, base decimal.Decimal) decimal.Decimal {
	return GuardedDiv(value, base).Mul(decimal.NewFromInt(10000))
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// IsPositive reports whether d is strictly greater than zero — the book's
// "quantities strictly positive, zero removes the level" invariant.
func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}
