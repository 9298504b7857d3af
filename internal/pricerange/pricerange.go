// Package pricerange reconciles a tester's real purchase price against the
// offer's expected price.
//
// The accepted band is a fixed absolute tolerance of 5 around the expected
// price. Items cheaper than 5 get the flat band [0, 5].
package pricerange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
)

var (
	// Tolerance is the absolute distance allowed on either side of the
	// expected price.
	Tolerance = decimal.NewFromInt(5)

	// FlatThreshold is the expected price below which the flat band applies.
	FlatThreshold = decimal.NewFromInt(5)
)

// Range is an inclusive price band.
type Range struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Contains reports whether min <= price <= max.
func (r Range) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(r.Min) && price.LessThanOrEqual(r.Max)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", money.Format(r.Min), money.Format(r.Max))
}

// For returns the accepted band for an expected price.
func For(expected decimal.Decimal) Range {
	if expected.LessThan(FlatThreshold) {
		return Range{Min: decimal.Zero, Max: FlatThreshold}
	}
	return Range{
		Min: expected.Sub(Tolerance),
		Max: expected.Add(Tolerance),
	}
}

// InRange reports whether candidate lies in the band for expected.
func InRange(candidate, expected decimal.Decimal) bool {
	return For(expected).Contains(candidate)
}

// Check returns a *market.PriceOutOfRangeError carrying the band when
// candidate is outside it. Prices are never clamped.
func Check(candidate, expected decimal.Decimal) error {
	r := For(expected)
	if r.Contains(candidate) {
		return nil
	}
	return &market.PriceOutOfRangeError{Price: candidate, Min: r.Min, Max: r.Max}
}
