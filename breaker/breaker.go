// Package breaker implements the per-outbound-target circuit breaker (C7)
// on top of github.com/sony/gobreaker's two-step breaker, generalized from
// security.go's CircuitBreaker (per-agent trust-floor trip) to a per-target
// consecutive-failure trip as spec.md §4.6 requires.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State re-exports gobreaker's three breaker positions.
type State = gobreaker.State

const (
	Closed   = gobreaker.StateClosed
	HalfOpen = gobreaker.StateHalfOpen
	Open     = gobreaker.StateOpen
)

// Ticket is the reservation Breaker.Allow hands out; the caller reports the
// outcome of the gated call through it exactly once.
type Ticket struct {
	done func(bool)
}

// Success reports the gated call succeeded, closing the breaker if this was
// the half-open probe.
func (t *Ticket) Success() {
	if t != nil {
		t.done(true)
	}
}

// Failure reports the gated call failed, tripping the breaker (or
// reopening it immediately if this was the half-open probe).
func (t *Ticket) Failure() {
	if t != nil {
		t.done(false)
	}
}

// Breaker guards calls to a single outbound target (one instance per
// remote agent endpoint, keyed externally by the caller).
type Breaker struct {
	tscb *gobreaker.TwoStepCircuitBreaker
}

// New builds a breaker that opens after failureThreshold consecutive
// failures and allows one probe call resetTimeout after tripping.
func New(failureThreshold int, resetTimeout time.Duration) *Breaker {
	settings := gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
	}
	return &Breaker{tscb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow reserves a call slot if the breaker's current state admits one. ok
// is false when the breaker is open or the single half-open probe slot is
// already taken; the caller must not proceed with its call in that case.
func (b *Breaker) Allow() (ticket *Ticket, ok bool) {
	done, err := b.tscb.Allow()
	if err != nil {
		return nil, false
	}
	return &Ticket{done: done}, true
}

// CurrentState reports the breaker's position (observability only).
func (b *Breaker) CurrentState() State {
	return b.tscb.State()
}

// Registry hands out one Breaker per target id, lazily created.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	resetTimeout     time.Duration
}

// NewRegistry builds a Registry whose breakers all share the same trip
// parameters.
func NewRegistry(failureThreshold int, resetTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// For returns the breaker for target, creating it on first use.
func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = New(r.failureThreshold, r.resetTimeout)
		r.breakers[target] = b
	}
	return b
}
