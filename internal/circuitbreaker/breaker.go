// Package circuitbreaker stops calling an upstream dependency after repeated
// failures and probes it again once a cool-down has passed.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the breaker state for one upstream.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls fail fast
	StateHalfOpen              // a single probe is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "prooflab",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by upstream.",
}, []string{"upstream", "from", "to"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type upstream struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per upstream name.
type Breaker struct {
	mu        sync.Mutex
	upstreams map[string]*upstream
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// lets one probe through after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		upstreams: make(map[string]*upstream),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithClock sets the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call to name may proceed.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		return true
	}
	switch u.state {
	case StateOpen:
		if b.now().Sub(u.openedAt) >= b.coolDown {
			b.transition(name, u, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Success records a successful call and closes a half-open breaker.
func (b *Breaker) Success(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		return
	}
	u.failures = 0
	if u.state != StateClosed {
		b.transition(name, u, StateClosed)
	}
}

// Failure records a failed call. A failed probe reopens immediately.
func (b *Breaker) Failure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		u = &upstream{}
		b.upstreams[name] = u
	}
	u.failures++

	if u.state == StateHalfOpen || (u.state == StateClosed && u.failures >= b.threshold) {
		u.openedAt = b.now()
		b.transition(name, u, StateOpen)
	}
}

// State returns the current state of name. Unknown names are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u, ok := b.upstreams[name]; ok {
		return u.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(name string, u *upstream, to State) {
	if u.state == to {
		return
	}
	stateTransitions.WithLabelValues(name, u.state.String(), to.String()).Inc()
	u.state = to
}
