// Package memory provides an in-process [store.Store].
//
// Sessions live in a map guarded by a mutex and are lost when the process
// exits. It is the default backend and the one used by tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/vocaform/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a map-backed session store. The zero value is not usable; call
// [New].
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*store.VoiceSession
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*store.VoiceSession)}
}

// Create implements [store.Store].
func (s *Store) Create(_ context.Context, d store.Draft) (*store.VoiceSession, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	sess := d.New(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, fmt.Errorf("%w: memory store: session %q already exists", store.ErrPersistence, id)
	}
	s.sessions[id] = sess
	return sess.Clone(), nil
}

// Update implements [store.Store].
func (s *Store) Update(_ context.Context, id string, p store.Patch) (*store.VoiceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memory store: update %q: %w", id, store.ErrNotFound)
	}
	p.Apply(sess)
	return sess.Clone(), nil
}

// AppendTranscript implements [store.Store].
func (s *Store) AppendTranscript(_ context.Context, id string, e store.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("memory store: append transcript %q: %w", id, store.ErrNotFound)
	}
	sess.Transcript = append(sess.Transcript, e)
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(_ context.Context, id string) (*store.VoiceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memory store: get %q: %w", id, store.ErrNotFound)
	}
	return sess.Clone(), nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Ping always succeeds. It lets the store take part in readiness checks.
func (s *Store) Ping(context.Context) error { return nil }
