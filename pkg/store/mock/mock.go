// Package mock provides a test double for the store.Store interface.
//
// Store keeps sessions in memory like store/memory, but additionally records
// every call and lets tests inject per-method errors.
//
// Example:
//
//	s := mock.New()
//	s.UpdateErr = errors.New("disk full")
//	m := session.NewMachine(session.Config{Store: s, ...})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/vocaform/pkg/store"
	"github.com/MrWong99/vocaform/pkg/store/memory"
)

// UpdateCall records a single invocation of Update.
type UpdateCall struct {
	ID    string
	Patch store.Patch
}

// AppendCall records a single invocation of AppendTranscript.
type AppendCall struct {
	ID    string
	Entry store.TranscriptEntry
}

// Store is a mock implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	inner *memory.Store

	// --- Configurable errors ---

	// CreateErr, if non-nil, is returned by Create (wrapped in
	// store.ErrPersistence).
	CreateErr error

	// UpdateErr, if non-nil, is returned by Update.
	UpdateErr error

	// AppendErr, if non-nil, is returned by AppendTranscript.
	AppendErr error

	// GetErr, if non-nil, is returned by Get.
	GetErr error

	// --- Call records ---

	CreateCalls []store.Draft
	UpdateCalls []UpdateCall
	AppendCalls []AppendCall
	GetCalls    []string
}

// New returns an empty mock Store.
func New() *Store {
	return &Store{inner: memory.New()}
}

// Create records the call and delegates to an in-memory store unless
// CreateErr is set.
func (s *Store) Create(ctx context.Context, d store.Draft) (*store.VoiceSession, error) {
	s.mu.Lock()
	s.CreateCalls = append(s.CreateCalls, d)
	err := s.CreateErr
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrPersistence, err)
	}
	return s.inner.Create(ctx, d)
}

// Update records the call and delegates unless UpdateErr is set.
func (s *Store) Update(ctx context.Context, id string, p store.Patch) (*store.VoiceSession, error) {
	s.mu.Lock()
	s.UpdateCalls = append(s.UpdateCalls, UpdateCall{ID: id, Patch: p})
	err := s.UpdateErr
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrPersistence, err)
	}
	return s.inner.Update(ctx, id, p)
}

// AppendTranscript records the call and delegates unless AppendErr is set.
func (s *Store) AppendTranscript(ctx context.Context, id string, e store.TranscriptEntry) error {
	s.mu.Lock()
	s.AppendCalls = append(s.AppendCalls, AppendCall{ID: id, Entry: e})
	err := s.AppendErr
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrPersistence, err)
	}
	return s.inner.AppendTranscript(ctx, id, e)
}

// Get records the call and delegates unless GetErr is set.
func (s *Store) Get(ctx context.Context, id string) (*store.VoiceSession, error) {
	s.mu.Lock()
	s.GetCalls = append(s.GetCalls, id)
	err := s.GetErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, id)
}

// Updates returns a copy of the recorded Update calls. Thread-safe.
func (s *Store) Updates() []UpdateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UpdateCall(nil), s.UpdateCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCalls = nil
	s.UpdateCalls = nil
	s.AppendCalls = nil
	s.GetCalls = nil
}

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)
