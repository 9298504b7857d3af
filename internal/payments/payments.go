// Package payments is the port to the external card processor that funds
// campaigns. Only charge creation happens here; the outcome arrives later
// through the campaign payment callbacks.
package payments

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/prooflab/prooflab/internal/idgen"
)

// ChargeRequest asks the processor to collect Amount from the seller.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Charge is the processor's handle on a requested payment.
type Charge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// ClientSecret lets the seller's browser complete card authentication.
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Processor creates charges. Implementations translate card declines to
// market.ErrPaymentDeclined and transport failures to market.ErrUpstream.
type Processor interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	Name() string
}

// ManualProcessor records charges that are settled out of band (bank
// transfer, invoicing). Confirmation comes from an admin calling the
// payment confirm endpoint.
type ManualProcessor struct{}

// NewManualProcessor creates a ManualProcessor.
func NewManualProcessor() *ManualProcessor { return &ManualProcessor{} }

// CreateCharge implements Processor.
func (ManualProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Charge{ID: idgen.WithPrefix("manual_"), Status: "requires_confirmation"}, nil
}

// Name implements Processor.
func (ManualProcessor) Name() string { return "manual" }

// minorUnits converts an amount to integer cents.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func lowerCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
