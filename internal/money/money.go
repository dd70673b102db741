// Package money provides shared decimal amount parsing and formatting.
//
// Amounts are fiat currency values with 2 decimal places, stored as
// big.Int in minor units (1 USD = 100 units). Using fixed-point integers
// avoids float drift across saga steps and compensation entries.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "24.00") to its minor-unit
// big.Int representation (2400). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a minor-unit big.Int to a decimal string with exactly
// 2 decimal places (e.g. "24.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Float converts a decimal string to float64 for scoring math.
// Invalid input returns 0 — callers that need strict validation use Parse.
func Float(s string) float64 {
	v, ok := Parse(s)
	if !ok {
		return 0
	}
	f := new(big.Float).SetInt(v)
	out, _ := new(big.Float).Quo(f, big.NewFloat(100)).Float64()
	return out
}

// Cmp compares two decimal strings. Invalid input is treated as zero.
func Cmp(a, b string) int {
	av, ok := Parse(a)
	if !ok {
		av = big.NewInt(0)
	}
	bv, ok := Parse(b)
	if !ok {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}
