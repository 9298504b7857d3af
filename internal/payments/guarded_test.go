package payments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflab/prooflab/internal/circuitbreaker"
	"github.com/prooflab/prooflab/internal/market"
)

type scriptedProcessor struct {
	errs  []error
	calls int
}

func (p *scriptedProcessor) Name() string { return "scripted" }

func (p *scriptedProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Charge{ID: fmt.Sprintf("ch_%d", p.calls), Status: "requires_confirmation"}, nil
}

func TestGuard_OpensOnUpstreamFailures(t *testing.T) {
	down := fmt.Errorf("%w: stripe: 503", market.ErrUpstream)
	next := &scriptedProcessor{errs: []error{down, down}}
	g := Guard(next, circuitbreaker.New(2, time.Hour))
	req := ChargeRequest{Amount: decimal.NewFromInt(10), Currency: "EUR"}

	for i := 0; i < 2; i++ {
		_, err := g.CreateCharge(context.Background(), req)
		require.ErrorIs(t, err, market.ErrUpstream)
	}

	_, err := g.CreateCharge(context.Background(), req)
	assert.ErrorIs(t, err, market.ErrUpstream)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 2, next.calls, "open circuit must not reach the processor")
	assert.Equal(t, "scripted", g.Name())
}

func TestGuard_DeclinesKeepCircuitClosed(t *testing.T) {
	declined := fmt.Errorf("%w: insufficient funds", market.ErrPaymentDeclined)
	next := &scriptedProcessor{errs: []error{declined, declined, declined}}
	b := circuitbreaker.New(2, time.Hour)
	g := Guard(next, b)
	req := ChargeRequest{Amount: decimal.NewFromInt(10), Currency: "EUR"}

	for i := 0; i < 3; i++ {
		_, err := g.CreateCharge(context.Background(), req)
		assert.ErrorIs(t, err, market.ErrPaymentDeclined)
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State("scripted"))

	ch, err := g.CreateCharge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ch_4", ch.ID)
}
