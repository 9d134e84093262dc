// Package resilience guards speech providers with circuit breakers and
// ordered failover.
//
// A [CircuitBreaker] moves between closed, open and half-open. A
// [FallbackGroup] holds a primary and any number of fallbacks of the same
// provider type, each behind its own breaker, and tries them in order.
// [STTFallback] and [TTSFallback] expose a group as a regular provider.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close again.
	// Default: 3.
	HalfOpenMax int

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	trials         int
	trialSuccesses int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. While half-open at most
// HalfOpenMax trials are in flight; further calls get [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(trial)
	} else {
		cb.onSuccess(trial)
	}
	return err
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials, cb.trialSuccesses = 0, 0
		slog.Info("resilience: circuit half-open", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) onFailure(trial bool) {
	if trial || cb.state == StateHalfOpen {
		cb.trip()
		slog.Warn("resilience: trial failed, circuit re-opened", "name", cb.cfg.Name)
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		cb.trip()
		slog.Warn("resilience: circuit opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.trials, cb.trialSuccesses = 0, 0
}

func (cb *CircuitBreaker) onSuccess(trial bool) {
	if !trial {
		cb.failures = 0
		return
	}
	if cb.state != StateHalfOpen {
		return
	}
	cb.trialSuccesses++
	if cb.trialSuccesses >= cb.cfg.HalfOpenMax {
		cb.state = StateClosed
		cb.failures = 0
		slog.Info("resilience: circuit closed", "name", cb.cfg.Name)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures, cb.trials, cb.trialSuccesses = 0, 0, 0
}
