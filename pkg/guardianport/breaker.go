package guardianport

import (
	"sync"
	"time"
)

// circuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN breaker, adapted from
// the teacher's pkg/util/resiliency.CircuitBreaker: after threshold
// consecutive failures it opens and stays open for resetTimeout, then moves
// to HALF_OPEN, where calls are allowed until the next success closes it or
// the next failure opens it again.
type circuitBreaker struct {
	mu           sync.Mutex
	state        string // "CLOSED" | "OPEN" | "HALF_OPEN"
	failureCount int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:        "CLOSED",
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
