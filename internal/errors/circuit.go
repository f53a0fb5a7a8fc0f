package errors

import (
	"sync"
	"time"
)

// ErrCircuitOpen matches (via errors.Is) the rejection returned when a
// breaker is open and a call is refused without being attempted.
var ErrCircuitOpen = New(KindRemoteUnavailable, "circuit breaker is open", nil)

// BreakerState represents the breaker state.
type BreakerState int

const (
	// BreakerClosed is the normal state where calls pass through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a probe call through after the cooldown.
	BreakerHalfOpen
)

// String returns a string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker fails fast against an endpoint that keeps erroring, so a dead
// remote store or provider does not stall every caller for a full timeout.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and probes again once cooldown has elapsed.
// Zero values fall back to 5 failures and a 30 second cooldown.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       BreakerClosed,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.lastFailure) > b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	return b.State() != BreakerOpen
}

// Record feeds a call outcome into the breaker. A nil error closes it and
// resets the count; an error opens it once maxFailures is reached.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.maxFailures {
		b.state = BreakerOpen
	}
}

// Guard runs fn through the breaker. When the breaker is open the call is
// rejected with ErrCircuitOpen; otherwise the outcome is recorded.
func Guard[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !b.Allow() {
		return zero, New(KindRemoteUnavailable, "circuit breaker is open", nil).
			WithDetail("endpoint", b.name)
	}
	result, err := fn()
	b.Record(err)
	if err != nil {
		return zero, err
	}
	return result, nil
}
