package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflab/prooflab/internal/commission"
	"github.com/prooflab/prooflab/internal/ledger"
	"github.com/prooflab/prooflab/internal/market"
	"github.com/prooflab/prooflab/internal/metrics"
	"github.com/prooflab/prooflab/internal/money"
	"github.com/prooflab/prooflab/internal/payments"
	"github.com/prooflab/prooflab/internal/store"
)

type fakeProcessor struct {
	mu       sync.Mutex
	requests []payments.ChargeRequest
	err      error
}

func (p *fakeProcessor) CreateCharge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.requests = append(p.requests, req)
	return &payments.Charge{ID: "pi_" + req.IdempotencyKey, Status: "requires_payment_method"}, nil
}

func (p *fakeProcessor) Name() string { return "fake" }

var seller = market.Seller("seller_1")

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *fakeProcessor) {
	t.Helper()
	s := store.NewMemoryStore()
	l := ledger.New(s, commission.New(commission.Rates{Rate: decimal.NewFromInt(10)}))
	p := &fakeProcessor{}
	return NewService(s, l, p, nil), l, p
}

func sampleRequest() CreateRequest {
	return CreateRequest{
		Title:      "Wireless earbuds",
		TotalSlots: 3,
		Offers: []OfferInput{{
			ProductID:          "B0EARBUDS",
			ProductName:        "Earbuds",
			ExpectedPrice:      money.MustParse("50"),
			ShippingCost:       money.MustParse("4.90"),
			Bonus:              money.MustParse("10"),
			ReimbursedPrice:    true,
			ReimbursedShipping: true,
		}},
	}
}

func TestCreate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, market.CampaignDraft, c.Status)
	assert.Equal(t, 3, c.AvailableSlots)
	require.Len(t, c.Offers, 1)
	assert.Equal(t, 1, c.Offers[0].Quantity)
	assert.Equal(t, c.ID, c.Offers[0].CampaignID)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Title, got.Title)

	list, err := svc.List(ctx, seller.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, market.Tester("t1"), sampleRequest())
	assert.ErrorIs(t, err, market.ErrForbidden)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"no slots", func(r *CreateRequest) { r.TotalSlots = 0 }, "totalSlots"},
		{"no offers", func(r *CreateRequest) { r.Offers = nil }, "offers"},
		{"negative price", func(r *CreateRequest) { r.Offers[0].ExpectedPrice = decimal.NewFromInt(-1) }, "offers[0].expectedPrice"},
		{"sub-cent bonus", func(r *CreateRequest) { r.Offers[0].Bonus = decimal.RequireFromString("1.005") }, "offers[0].bonus"},
		{"missing product", func(r *CreateRequest) { r.Offers[0].ProductID = "" }, "offers[0].productId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest()
			tt.mutate(&req)
			_, err := svc.Create(ctx, seller, req)
			var ie *market.InputError
			require.True(t, errors.As(err, &ie), "got %v", err)
			assert.Equal(t, tt.field, ie.Field)
		})
	}
}

func TestQuote(t *testing.T) {
	svc, _, _ := newTestService(t)
	c, err := svc.Create(context.Background(), seller, sampleRequest())
	require.NoError(t, err)

	q := svc.Quote(c)
	assert.Equal(t, "194.70", money.Format(q.ProductsAmount))
	assert.Equal(t, "19.47", money.Format(q.PlatformCommission))
	assert.Equal(t, "214.17", money.Format(q.TotalCharge))
	assert.True(t, q.ProductsAmount.Add(q.PlatformCommission).Equal(q.TotalCharge))
}

func TestPaymentFlow_Confirm(t *testing.T) {
	svc, l, p := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)

	res, err := svc.StartPayment(ctx, seller, c.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignPendingPayment, res.Campaign.Status)
	assert.Equal(t, res.Transaction.ID, res.Campaign.PaymentTxID)
	assert.Equal(t, market.TxPending, res.Transaction.Status)
	assert.Equal(t, "214.17", money.Format(res.Transaction.Amount))
	require.NotNil(t, res.Transaction.Metadata.Charge)
	assert.Equal(t, res.Charge.ID, res.Transaction.Metadata.ExternalRef)
	require.Len(t, p.requests, 1)
	assert.Equal(t, "214.17", money.Format(p.requests[0].Amount))

	_, err = svc.Update(ctx, seller, c.ID, UpdateRequest{Offers: []OfferInput{{ProductID: "x"}}})
	assert.ErrorIs(t, err, market.ErrInvalidTransition)

	_, err = svc.StartPayment(ctx, seller, c.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)

	active, err := svc.ConfirmPayment(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignActive, active.Status)

	again, err := svc.ConfirmPayment(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignActive, again.Status)

	platform, err := l.GetBalance(ctx, l.PlatformUserID())
	require.NoError(t, err)
	assert.Equal(t, "19.47", money.Format(platform))

	sellerBal, err := l.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.True(t, sellerBal.IsZero())

	_, err = svc.FailPayment(ctx, res.Transaction.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

func TestPaymentFlow_Fail(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)

	res, err := svc.StartPayment(ctx, seller, c.ID)
	require.NoError(t, err)

	draft, err := svc.FailPayment(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignDraft, draft.Status)
	assert.Empty(t, draft.PaymentTxID)

	tr, err := l.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, market.TxFailed, tr.Status)

	// The seller can try again after editing.
	title := "Wireless earbuds v2"
	_, err = svc.Update(ctx, seller, c.ID, UpdateRequest{Title: &title})
	require.NoError(t, err)
	_, err = svc.StartPayment(ctx, seller, c.ID)
	require.NoError(t, err)
}

func TestStartPayment_ProcessorError(t *testing.T) {
	svc, _, p := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)

	p.err = market.ErrPaymentDeclined
	_, err = svc.StartPayment(ctx, seller, c.ID)
	assert.ErrorIs(t, err, market.ErrPaymentDeclined)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignDraft, got.Status)
}

func TestStartPayment_OtherSeller(t *testing.T) {
	svc, _, _ := newTestService(t)
	c, err := svc.Create(context.Background(), seller, sampleRequest())
	require.NoError(t, err)

	_, err = svc.StartPayment(context.Background(), market.Seller("intruder"), c.ID)
	assert.ErrorIs(t, err, market.ErrForbidden)
}

func activeCampaign(t *testing.T, svc *Service) *market.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)
	res, err := svc.StartPayment(ctx, seller, c.ID)
	require.NoError(t, err)
	c, err = svc.ConfirmPayment(ctx, res.Transaction.ID)
	require.NoError(t, err)
	return c
}

func TestComplete_RefundsUnusedSlots(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	c := activeCampaign(t, svc)

	err := svc.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.ReserveSlot(ctx, c.ID)
		return err
	})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, seller, c.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignCompleted, done.Status)

	bal, err := l.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "129.80", money.Format(bal), "two unused slots of 64.90")

	_, err = svc.Cancel(ctx, seller, c.ID)
	assert.ErrorIs(t, err, market.ErrInvalidTransition)
}

func TestCancel_Draft(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)

	done, err := svc.Cancel(ctx, seller, c.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignCancelled, done.Status)

	bal, err := l.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestConfirmAfterCancel_RefundsEverything(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, seller, sampleRequest())
	require.NoError(t, err)
	res, err := svc.StartPayment(ctx, seller, c.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, seller, c.ID)
	require.NoError(t, err)

	got, err := svc.ConfirmPayment(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, market.CampaignCancelled, got.Status)

	bal, err := l.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "194.70", money.Format(bal))
}

func TestReleaseSlotTx(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	c := activeCampaign(t, svc)

	err := svc.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.ReserveSlot(ctx, c.ID); err != nil {
			return err
		}
		cur, err := tx.GetCampaign(ctx, c.ID)
		if err != nil {
			return err
		}
		return ReleaseSlotTx(ctx, tx, l, cur, "ses_1")
	})
	require.NoError(t, err)
	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AvailableSlots)

	// Once the campaign is over, a released slot is refunded instead, once.
	_, err = svc.Complete(ctx, seller, c.ID)
	require.NoError(t, err)
	before, err := l.GetBalance(ctx, seller.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err = svc.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			cur, err := tx.GetCampaign(ctx, c.ID)
			if err != nil {
				return err
			}
			return ReleaseSlotTx(ctx, tx, l, cur, "ses_2")
		})
		require.NoError(t, err)
	}
	after, err := l.GetBalance(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "64.90", money.Format(after.Sub(before)))
}

func TestReleaseSlotTx_GaugeFollowsStore(t *testing.T) {
	svc, l, _ := newTestService(t)
	ctx := context.Background()
	c := activeCampaign(t, svc)

	err := svc.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.ReserveSlot(ctx, c.ID); err != nil {
				return err
			}
		}
		// c still reports the slots it had before both reservations.
		return ReleaseSlotTx(ctx, tx, l, c, "ses_1")
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AvailableSlots)

	var m dto.Metric
	require.NoError(t, metrics.SlotsAvailable.WithLabelValues(c.ID).Write(&m))
	assert.Equal(t, float64(2), m.GetGauge().GetValue())
}
