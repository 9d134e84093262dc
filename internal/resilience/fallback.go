package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/vocaform/internal/observe"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker; Name is
	// overwritten with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics, e.g. "stt" or "tts".
	Kind string

	// Metrics receives provider request and error counts. Nil disables
	// recording.
	Metrics *observe.Metrics
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries a primary provider and then each fallback in
// registration order. Register all entries before first use.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(name, primary)
	return g
}

// AddFallback appends an entry.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: v, breaker: NewCircuitBreaker(cbCfg)})
}

// Names returns the entry names in try order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, len(g.entries))
	for i, e := range g.entries {
		out[i] = e.name
	}
	return out
}

// Breaker returns the breaker guarding the named entry, or nil.
func (g *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, e := range g.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Execute calls fn against each entry until one succeeds.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		e := &g.entries[i]
		var res R
		err := e.breaker.Execute(func() error {
			var err error
			res, err = fn(e.value)
			return err
		})
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider with open circuit", "provider", e.name)
			lastErr = err
			continue
		}
		g.record(ctx, e.name, err)
		if err == nil {
			return res, nil
		}
		lastErr = err
		slog.Warn("resilience: provider failed, trying next", "provider", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (g *FallbackGroup[T]) record(ctx context.Context, name string, err error) {
	if g.cfg.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		g.cfg.Metrics.RecordProviderError(ctx, name, g.cfg.Kind)
	}
	g.cfg.Metrics.RecordProviderRequest(ctx, name, g.cfg.Kind, status)
}
