package pricerange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/market"
)

// CapPolicy decides how an offer's maxReimbursedPrice interacts with the
// price band when computing the reimbursed product price.
type CapPolicy string

const (
	// PolicyCap reimburses the validated price, limited by the offer cap.
	PolicyCap CapPolicy = "cap"
	// PolicyRange reimburses the validated price; the band is the only bound.
	PolicyRange CapPolicy = "range"
	// PolicyExpected always reimburses the offer's expected price.
	PolicyExpected CapPolicy = "expected"
)

// ParseCapPolicy validates a configured policy name.
func ParseCapPolicy(s string) (CapPolicy, error) {
	switch p := CapPolicy(s); p {
	case PolicyCap, PolicyRange, PolicyExpected:
		return p, nil
	case "":
		return PolicyCap, nil
	}
	return "", fmt.Errorf("unknown reimbursement cap policy %q", s)
}

// Reimbursement returns the reimbursed amount for one session: the price
// part (if the offer reimburses the price) plus shipping (if reimbursed),
// both times the offer quantity.
func (p CapPolicy) Reimbursement(offer *market.Offer, paid decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(int64(offer.Quantity))
	if offer.Quantity <= 0 {
		qty = decimal.NewFromInt(1)
	}

	price := decimal.Zero
	if offer.ReimbursedPrice {
		switch p {
		case PolicyExpected:
			price = offer.ExpectedPrice
		case PolicyRange:
			price = paid
		default:
			price = paid
			if offer.MaxReimbursedPrice.Valid && price.GreaterThan(offer.MaxReimbursedPrice.Decimal) {
				price = offer.MaxReimbursedPrice.Decimal
			}
		}
	}

	shipping := decimal.Zero
	if offer.ReimbursedShipping {
		shipping = offer.ShippingCost
	}
	return price.Add(shipping).Mul(qty)
}
