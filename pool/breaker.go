package pool

import (
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
//
// State transitions:
//
//	closed → open       (failureThreshold consecutive failures)
//	open → half_open    (recoveryTimeout elapsed since the last failure)
//	half_open → closed  (successThreshold consecutive successes)
//	half_open → open    (any failure while probing)
type BreakerState string

const (
	// BreakerClosed means requests flow normally.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen means requests are rejected to give the endpoint time to
	// recover.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen means probe requests are allowed through to test
	// whether the endpoint recovered.
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards the pool against hammering a failing endpoint.
//
// Threshold-based tripping avoids opening on a single flake,
// timeout-based half-open avoids permanent lockout, and requiring several
// successes to close again avoids flapping back on one lucky probe.
//
// While half-open, every request is allowed through rather than a single
// serialized probe; a burst of concurrent requests during recovery can
// therefore re-trip the breaker together. That matches the pool's usage
// where acquisitions are short and the first failure re-opens immediately.
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	failureThreshold int           // Failures before opening
	successThreshold int           // Successes needed to close from half-open
	recoveryTimeout  time.Duration // Wait before probing after opening

	// State
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time // stubbed in tests
}

// NewCircuitBreaker creates a new circuit breaker.
//
// Non-positive parameters fall back to defaults:
// failureThreshold 5, successThreshold 2, recoveryTimeout 30s.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a request may proceed.
//
// Closed always allows. Open allows only once the recovery timeout has
// elapsed since the last failure, transitioning to half-open. Half-open
// always allows.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful request.
//
// While closed, success forgives prior failures. While half-open, enough
// consecutive successes close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure records a failed request.
//
// While closed, reaching the failure threshold opens the breaker. While
// half-open, a single failure re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.successCount = 0
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.successCount = 0
	}
}
