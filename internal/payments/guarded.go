package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/prooflab/prooflab/internal/circuitbreaker"
	"github.com/prooflab/prooflab/internal/market"
)

// GuardedProcessor fails fast with market.ErrUpstream while the processor
// is known to be down. Declines and invalid requests do not count as
// failures.
type GuardedProcessor struct {
	next    Processor
	breaker *circuitbreaker.Breaker
}

// Guard wraps p with breaker.
func Guard(p Processor, breaker *circuitbreaker.Breaker) *GuardedProcessor {
	return &GuardedProcessor{next: p, breaker: breaker}
}

// Name implements Processor.
func (g *GuardedProcessor) Name() string { return g.next.Name() }

// CreateCharge implements Processor.
func (g *GuardedProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	name := g.next.Name()
	if !g.breaker.Allow(name) {
		return nil, fmt.Errorf("%w: %s circuit open", market.ErrUpstream, name)
	}
	ch, err := g.next.CreateCharge(ctx, req)
	switch {
	case err == nil:
		g.breaker.Success(name)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, market.ErrUpstream):
		g.breaker.Failure(name)
	default:
		// The processor answered, so it is up.
		g.breaker.Success(name)
	}
	return ch, err
}
