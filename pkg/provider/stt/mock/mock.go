// Package mock provides test doubles for the stt package interfaces.
//
// A [Session] buffers whatever audio it is sent and emits its Script of
// transcripts on Finals when it is closed, which mirrors batch backends that
// commit a result once the utterance is flushed.
//
//	p := &mock.Provider{Script: []stt.Transcript{{Text: "jane", IsFinal: true}}}
//	h, _ := p.StartStream(ctx, cfg)
//	_ = h.SendAudio(pcm)
//	_ = h.Close()
//	t := <-h.Finals()
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/vocaform/pkg/provider/stt"
)

// errClosed is returned by SendAudio after Close.
var errClosed = errors.New("mock stt: session closed")

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Script is copied into every new Session.
	Script []stt.Transcript

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// StartStreamCalls records the config of every StartStream call.
	StartStreamCalls []stt.StreamConfig

	// Sessions holds every session handed out, in order.
	Sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new [Session].
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession(append([]stt.Transcript(nil), p.Script...)...)
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Calls returns a copy of the recorded stream configs.
func (p *Provider) Calls() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.StreamConfig(nil), p.StartStreamCalls...)
}

// Reset clears recorded calls and sessions.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Session is a mock implementation of [stt.SessionHandle].
type Session struct {
	mu       sync.Mutex
	script   []stt.Transcript
	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SetKeywordsErr, if non-nil, is returned by SetKeywords.
	SetKeywordsErr error

	audio    [][]byte
	keywords [][]stt.KeywordBoost
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a session that emits script on Close.
func NewSession(script ...stt.Transcript) *Session {
	return &Session{
		script:   script,
		partials: make(chan stt.Transcript, len(script)),
		finals:   make(chan stt.Transcript, len(script)),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Partials implements [stt.SessionHandle].
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements [stt.SessionHandle].
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords records the keywords.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords = append(s.keywords, append([]stt.KeywordBoost(nil), keywords...))
	return s.SetKeywordsErr
}

// Close emits the script and closes both channels.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, t := range s.script {
		if t.IsFinal {
			s.finals <- t
		} else {
			s.partials <- t
		}
	}
	close(s.partials)
	close(s.finals)
	return nil
}

// AudioChunks returns the number of chunks received.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
