package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// CircuitState is the breaker's current mode
type CircuitState int

const (
	StateClosed   CircuitState = iota // normal operation
	StateOpen                         // failing fast
	StateHalfOpen                     // probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open", e.Service)
}

// CircuitBreaker fails fast once an external service has failed
// maxFailures times in a row, probing again after resetTimeout. One
// breaker guards one service and is shared across sessions.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu           sync.Mutex
	state        CircuitState
	failures     int
	probes       int
	probeSuccess int
	lastFailure  time.Time
}

// NewCircuitBreaker creates a closed breaker for the named service
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		state:        StateClosed,
	}
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	return cb
}

// Call runs fn under breaker protection
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return &ErrCircuitOpen{Service: cb.name}
	}

	err := fn(ctx)
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.setState(StateHalfOpen)
			cb.probes = 1
			cb.probeSuccess = 0
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probes < cb.halfOpenMax {
			cb.probes++
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.probeSuccess++
			if cb.probeSuccess >= cb.halfOpenMax {
				cb.setState(StateClosed)
				cb.failures = 0
			}
		}
		return
	}

	observability.IncrementCircuitBreakerFailures(cb.name)
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// a failed probe reopens immediately
		cb.setState(StateOpen)
	}
}

// setState must be called with cb.mu held
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	observability.UpdateCircuitBreakerState(cb.name, int(s))
}

// State returns the breaker's current mode
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.probes = 0
	cb.probeSuccess = 0
}
