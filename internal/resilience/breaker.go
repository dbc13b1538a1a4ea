// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

var stateNames = [...]string{
	stateClosed:   "closed",
	stateOpen:     "open",
	stateHalfOpen: "half_open",
}

func (s state) String() string { return stateNames[s] }

// Breaker guards one remote reasoning service or the LiteLLM proxy.
//
// maxFailures consecutive failures open the circuit for timeout. After that a
// single probe call is let through; its outcome closes or reopens the circuit,
// and every other call is rejected while it is in flight. Cancellation of the
// caller's context is not held against the service.
type Breaker struct {
	maxFailures int
	timeout     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    state
	probing  bool
	failures int
	until    time.Time // end of the open period
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and stays open for timeout.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{maxFailures: maxFailures, timeout: timeout, now: time.Now}
}

// Execute runs fn unless the circuit rejects the call, in which case it
// returns ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen && !b.now().Before(b.until) {
		b.state = stateHalfOpen
	}
	switch {
	case b.state == stateClosed:
		return true
	case b.state == stateHalfOpen && !b.probing:
		b.probing = true
		return true
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == stateHalfOpen
	b.probing = false
	switch {
	case err == nil:
		b.failures = 0
		b.state = stateClosed
	case errors.Is(err, context.Canceled):
		// The probe slot is released; the state is left for the next caller.
	default:
		b.failures++
		if wasProbe || b.failures >= b.maxFailures {
			b.state = stateOpen
			b.until = b.now().Add(b.timeout)
		}
	}
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// State returns "closed", "open" or "half_open". An open breaker whose timeout
// has elapsed still reports "open" until the next call probes it.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
