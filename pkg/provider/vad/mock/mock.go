// Package mock provides test doubles for the vad package interfaces.
package mock

import (
	"sync"

	"github.com/MrWong99/vocaform/pkg/provider/vad"
)

// Engine is a mock implementation of [vad.Engine]. Every session replays
// Events in order; once exhausted it reports Default.
type Engine struct {
	mu sync.Mutex

	Events  []vad.Event
	Default vad.Event

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	Configs  []vad.Config
	Sessions []*Session
}

var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &Session{events: append([]vad.Event(nil), e.Events...), def: e.Default}
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// Session is a mock implementation of [vad.SessionHandle].
type Session struct {
	mu     sync.Mutex
	events []vad.Event
	def    vad.Event
	next   int

	// ProcessErr, if non-nil, is returned by ProcessFrame.
	ProcessErr error

	Frames  int
	Resets  int
	Closeds int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame([]byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	if s.next < len(s.events) {
		ev := s.events[s.next]
		s.next++
		return ev, nil
	}
	return s.def, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closeds++
	return nil
}
