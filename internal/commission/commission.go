// Package commission computes the platform's cut of campaign payments and
// tester payouts.
//
// Every split is exact at the stored currency precision: the commission is
// rounded once and the remaining component is derived by addition or
// subtraction, so the parts always sum to the whole.
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Rates configures the calculator. Rates are percentages.
type Rates struct {
	// Rate is the general platform commission.
	Rate decimal.Decimal
	// TesterTransferFee, when set, overrides Rate on payouts.
	TesterTransferFee decimal.NullDecimal
	// BonusCommission applies the payout rate to bonus task rewards.
	BonusCommission bool
}

// Validate checks that every rate is within [0, 100).
func (r Rates) Validate() error {
	if err := checkRate("commission rate", r.Rate); err != nil {
		return err
	}
	if r.TesterTransferFee.Valid {
		return checkRate("tester transfer fee rate", r.TesterTransferFee.Decimal)
	}
	return nil
}

func checkRate(name string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%s must be in [0, 100), got %s", name, rate)
	}
	return nil
}

// Calculator splits amounts according to Rates.
type Calculator struct {
	rates Rates
}

// New creates a calculator.
func New(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rates returns the configured rates.
func (c *Calculator) Rates() Rates { return c.rates }

// PayoutRate is the rate applied on the payout side.
func (c *Calculator) PayoutRate() decimal.Decimal {
	if c.rates.TesterTransferFee.Valid {
		return c.rates.TesterTransferFee.Decimal
	}
	return c.rates.Rate
}

// SplitCampaignPayment computes what the seller is charged for a campaign.
// TotalCharge == ProductsAmount + PlatformCommission exactly.
func (c *Calculator) SplitCampaignPayment(productsAmount decimal.Decimal) market.ChargeBreakdown {
	products := money.Round(productsAmount)
	fee := money.Percent(products, c.rates.Rate)
	return market.ChargeBreakdown{
		ProductsAmount:     products,
		Rate:               c.rates.Rate,
		PlatformCommission: fee,
		TotalCharge:        products.Add(fee),
	}
}

// SplitTesterCredit computes a tester payout.
// Net == Reimbursement + Bonus - Commission exactly.
func (c *Calculator) SplitTesterCredit(reimbursement, bonus decimal.Decimal) market.PayoutBreakdown {
	return c.split(reimbursement, bonus, c.PayoutRate())
}

// SplitBonusReward computes the payout for a validated bonus task. Without
// BonusCommission the reward is paid in full.
func (c *Calculator) SplitBonusReward(reward decimal.Decimal) market.PayoutBreakdown {
	rate := decimal.Zero
	if c.rates.BonusCommission {
		rate = c.PayoutRate()
	}
	return c.split(decimal.Zero, reward, rate)
}

func (c *Calculator) split(reimbursement, bonus, rate decimal.Decimal) market.PayoutBreakdown {
	reimbursement = money.Round(reimbursement)
	bonus = money.Round(bonus)
	base := reimbursement.Add(bonus)
	fee := money.Percent(base, rate)
	return market.PayoutBreakdown{
		Reimbursement: reimbursement,
		Bonus:         bonus,
		Base:          base,
		Rate:          rate,
		Commission:    fee,
		Net:           base.Sub(fee),
	}
}

// VerifyCharge checks a campaign payment row against its breakdown.
// A mismatch is a hard integrity error.
func VerifyCharge(amount decimal.Decimal, b *market.ChargeBreakdown) error {
	if b == nil {
		return market.Integrity("campaign payment without charge breakdown")
	}
	if !b.ProductsAmount.Add(b.PlatformCommission).Equal(b.TotalCharge) {
		return market.Integrity("charge breakdown %s + %s != %s",
			money.Format(b.ProductsAmount), money.Format(b.PlatformCommission), money.Format(b.TotalCharge))
	}
	if !b.TotalCharge.Equal(amount) {
		return market.Integrity("charge total %s != transaction amount %s",
			money.Format(b.TotalCharge), money.Format(amount))
	}
	return nil
}

// VerifyPayout checks a payout row against its breakdown.
func VerifyPayout(amount decimal.Decimal, b *market.PayoutBreakdown) error {
	if b == nil {
		return market.Integrity("payout without breakdown")
	}
	if !b.Reimbursement.Add(b.Bonus).Equal(b.Base) {
		return market.Integrity("payout base %s != reimbursement %s + bonus %s",
			money.Format(b.Base), money.Format(b.Reimbursement), money.Format(b.Bonus))
	}
	if !b.Base.Sub(b.Commission).Equal(b.Net) {
		return market.Integrity("payout net %s != base %s - commission %s",
			money.Format(b.Net), money.Format(b.Base), money.Format(b.Commission))
	}
	if !b.Net.Equal(amount) {
		return market.Integrity("payout net %s != transaction amount %s",
			money.Format(b.Net), money.Format(amount))
	}
	return nil
}
