package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/prooflab/prooflab/internal/market"
)

// StripeProcessor creates Stripe PaymentIntents.
type StripeProcessor struct {
	client *paymentintent.Client
}

// NewStripeProcessor creates a processor using secretKey.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	return &StripeProcessor{
		client: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
	}
}

// NewStripeProcessorWithBackend is for tests against a stub backend.
func NewStripeProcessorWithBackend(secretKey string, backend stripe.Backend) *StripeProcessor {
	return &StripeProcessor{client: &paymentintent.Client{B: backend, Key: secretKey}}
}

// Name implements Processor.
func (p *StripeProcessor) Name() string { return "stripe" }

// CreateCharge implements Processor.
func (p *StripeProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if !req.Amount.IsPositive() {
		return nil, market.Invalid("amount", "charge must be positive")
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(minorUnits(req.Amount)),
		Currency:    stripe.String(lowerCurrency(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.client.New(params)
	if err != nil {
		return nil, translate(err)
	}
	return &Charge{ID: pi.ID, Status: string(pi.Status), ClientSecret: pi.ClientSecret}, nil
}

func translate(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%w: %s", market.ErrPaymentDeclined, serr.Msg)
		}
		if serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 {
			return fmt.Errorf("%w: stripe rejected request: %s", market.ErrInvalidInput, serr.Msg)
		}
		return fmt.Errorf("%w: stripe: %s", market.ErrUpstream, serr.Msg)
	}
	return fmt.Errorf("%w: stripe: %v", market.ErrUpstream, err)
}
