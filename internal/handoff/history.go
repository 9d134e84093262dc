package handoff

import (
	"context"
	"fmt"
	"sync"
)

// History is the append-only record of handoff attempts. Implementations
// must be safe for concurrent use. Get returns an error wrapping
// [ErrAttemptNotFound] for unknown IDs.
type History interface {
	Append(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)

	// List returns all attempts in insertion order.
	List(ctx context.Context) ([]*Attempt, error)
}

// MemoryHistory keeps attempts in process memory.
type MemoryHistory struct {
	mu       sync.RWMutex
	attempts []*Attempt
	byID     map[string]*Attempt
}

var _ History = (*MemoryHistory)(nil)

// NewMemoryHistory returns an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{byID: make(map[string]*Attempt)}
}

// Append implements [History].
func (h *MemoryHistory) Append(_ context.Context, a *Attempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.byID[a.ID]; dup {
		return fmt.Errorf("handoff history: attempt %s already recorded", a.ID)
	}
	cp := *a
	h.attempts = append(h.attempts, &cp)
	h.byID[a.ID] = &cp
	return nil
}

// Get implements [History].
func (h *MemoryHistory) Get(_ context.Context, id string) (*Attempt, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	cp := *a
	return &cp, nil
}

// List implements [History].
func (h *MemoryHistory) List(context.Context) ([]*Attempt, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Attempt, len(h.attempts))
	for i, a := range h.attempts {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// Ping always succeeds. It lets the history take part in readiness checks.
func (h *MemoryHistory) Ping(context.Context) error { return nil }
