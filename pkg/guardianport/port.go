// Package guardianport implements C4: a thin, fail-closed adapter to the
// external capital-protection lock service ("Guardian"). The Port never
// holds lock state itself — it is a read-only view plus a lock-event
// subscription, in the spirit of the teacher's kernel-bridge decoupling:
// Guardian publishes, the Lock-Cascade Handler (pkg/lockcascade) is called
// back serially from the Port's poller goroutine, no shared lock.
package guardianport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status is the external Guardian's reported state.
type Status struct {
	State    string     `json:"state"` // "LOCKED" | "UNLOCKED"
	Reason   string     `json:"reason,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// LockEvent is published to subscribers when Guardian transitions to LOCKED.
type LockEvent struct {
	Reason   string
	LockedAt time.Time
}

// Port is the read-only view of the Guardian the Gateway Core consults
// before every create/decide.
type Port interface {
	IsLocked(ctx context.Context) (bool, error)
	GetStatus(ctx context.Context) (Status, error)
	// Subscribe registers handler to receive lock events. Events are
	// delivered serially, in arrival order, off a single background
	// goroutine per Port instance.
	Subscribe(handler func(LockEvent))
}

// HTTPPort is an HTTP-backed Guardian Port wrapped in a circuit breaker and
// an http.Client timeout (grounded on the teacher's
// pkg/util/resiliency.EnhancedClient), so a flaky Guardian degrades to
// fail-closed rather than hanging the approval pipeline. Each call makes a
// single attempt; failed calls are not retried.
type HTTPPort struct {
	baseURL string
	client  *http.Client
	breaker *circuitBreaker

	mu       sync.Mutex
	handlers []func(LockEvent)
	lastState string
	pollEvery time.Duration
	stop      chan struct{}
}

// NewHTTPPort creates a Guardian Port against baseURL, e.g.
// "https://guardian.internal". callTimeout bounds every individual
// request (recommended <= 2s per spec.md §5); pollEvery controls how
// often the background poller checks for a LOCKED transition to publish
// as a LockEvent.
func NewHTTPPort(baseURL string, callTimeout, pollEvery time.Duration) *HTTPPort {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	return &HTTPPort{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: callTimeout},
		breaker:   newCircuitBreaker(5, 10*time.Second),
		lastState: "UNLOCKED",
		pollEvery: pollEvery,
		stop:      make(chan struct{}),
	}
}

// IsLocked reports the current lock state. Any failure to reach Guardian —
// breaker open, network error, non-2xx, bad body — is reported as locked:
// fail-closed is the only acceptable default (spec.md Glossary).
func (p *HTTPPort) IsLocked(ctx context.Context) (bool, error) {
	status, err := p.GetStatus(ctx)
	if err != nil {
		return true, err
	}
	return status.State == "LOCKED", nil
}

// GetStatus fetches the Guardian's current status. On any failure it
// returns state=LOCKED alongside the error so callers that check the error
// still observe the fail-closed state if they inspect the returned value.
func (p *HTTPPort) GetStatus(ctx context.Context) (Status, error) {
	failClosed := Status{State: "LOCKED", Reason: "guardian unreachable"}

	if !p.breaker.Allow() {
		return failClosed, fmt.Errorf("guardianport: circuit open")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/status", nil)
	if err != nil {
		p.breaker.Failure()
		return failClosed, fmt.Errorf("guardianport: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.Failure()
		return failClosed, fmt.Errorf("guardianport: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		p.breaker.Failure()
		return failClosed, fmt.Errorf("guardianport: unexpected status %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		p.breaker.Failure()
		return failClosed, fmt.Errorf("guardianport: decode response: %w", err)
	}

	p.breaker.Success()
	return status, nil
}

// Subscribe registers a handler for lock events. Must be called before
// Run starts polling.
func (p *HTTPPort) Subscribe(handler func(LockEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// Run starts the background poller that detects UNLOCKED->LOCKED
// transitions and fans them out to subscribers. Blocks until ctx is
// cancelled or Close is called.
func (p *HTTPPort) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			status, err := p.GetStatus(ctx)
			if err != nil {
				continue
			}
			p.mu.Lock()
			transitioned := p.lastState != "LOCKED" && status.State == "LOCKED"
			p.lastState = status.State
			handlers := append([]func(LockEvent){}, p.handlers...)
			p.mu.Unlock()

			if transitioned {
				lockedAt := time.Now().UTC()
				if status.LockedAt != nil {
					lockedAt = *status.LockedAt
				}
				event := LockEvent{Reason: status.Reason, LockedAt: lockedAt}
				for _, h := range handlers {
					h(event)
				}
			}
		}
	}
}

// Close stops the background poller.
func (p *HTTPPort) Close() {
	close(p.stop)
}
