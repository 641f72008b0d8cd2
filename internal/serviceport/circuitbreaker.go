package serviceport

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's three-state machine: hand-rolled
// here rather than sourced from a library, since no dependency in this
// module's stack carries a dedicated
// circuit-breaker dependency (DESIGN.md records this as the intentional
// stdlib-only exception).
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker guards the service port from hammering a degraded
// remote service: it opens after a run of consecutive failures and only
// lets a single half-open probe through before closing again.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	failureThreshold int
	consecutiveFails int
	openedAt         time.Time
	cooldown         time.Duration
}

// NewCircuitBreaker returns a closed breaker that opens after
// failureThreshold consecutive failures and stays open for cooldown.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            breakerClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether a call may proceed right now.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		return false
	default:
		return true
	}
}

// Success records a successful call, closing the breaker.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.state = breakerClosed
}

// Failure records a failed call, opening the breaker once the failure
// threshold is reached.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.state == breakerHalfOpen || b.consecutiveFails >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
