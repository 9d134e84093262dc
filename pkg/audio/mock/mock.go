// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for tests.
//
// Source replays one scripted capture per Capture call. Sink records every
// frame it is asked to play.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocaform/pkg/audio"
)

// Source is a scripted [audio.Source].
type Source struct {
	mu sync.Mutex

	// Captures holds the frames of successive Capture calls. When exhausted,
	// captures yield no frames.
	Captures [][]audio.Frame

	// Hold keeps the stream open after the scripted frames until ctx is
	// cancelled, simulating a user who never stops talking or stays silent.
	Hold bool

	// CaptureErr, if non-nil, is returned by Capture.
	CaptureErr error

	calls int
}

var _ audio.Source = (*Source)(nil)

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	if s.CaptureErr != nil {
		s.mu.Unlock()
		return nil, s.CaptureErr
	}
	var frames []audio.Frame
	if s.calls < len(s.Captures) {
		frames = s.Captures[s.calls]
	}
	s.calls++
	hold := s.Hold
	s.mu.Unlock()

	out := make(chan audio.Frame)
	go func() {
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// Calls returns the number of Capture calls.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Sink is a recording [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play after draining the frames.
	PlayErr error

	frames []audio.Frame
	plays  int
}

var _ audio.Sink = (*Sink)(nil)

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, frames <-chan audio.Frame) error {
	var got []audio.Frame
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				s.mu.Lock()
				defer s.mu.Unlock()
				s.frames = append(s.frames, got...)
				s.plays++
				return s.PlayErr
			}
			got = append(got, f)
		case <-ctx.Done():
			go audio.Drain(frames)
			return ctx.Err()
		}
	}
}

// Frames returns every frame played so far.
func (s *Sink) Frames() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.frames...)
}

// Plays returns the number of completed Play calls.
func (s *Sink) Plays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plays
}
