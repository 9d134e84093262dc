// Package audio defines the PCM frame type and the capture/playback contracts
// the speech engine runs on.
//
// Every frame carries 16-bit signed little-endian PCM. A [Source] yields
// captured frames for one listening turn; a [Sink] plays synthesised frames
// and blocks until playback is done. Transport adapters (the WebSocket voice
// bridge, test doubles) implement both.
package audio

import (
	"context"
	"time"
)

// Frame is one chunk of PCM audio.
type Frame struct {
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 mono, 2 interleaved stereo.
	Channels int

	// Timestamp relative to the start of the capture or playback.
	Timestamp time.Duration
}

// Format returns the frame's sample format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns how long n bytes of PCM in format f play for.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Source captures audio from the user.
type Source interface {
	// Capture starts a capture and returns the frame stream. The stream is
	// closed when ctx is cancelled or the underlying transport ends.
	Capture(ctx context.Context) (<-chan Frame, error)
}

// Sink plays audio to the user.
type Sink interface {
	// Play consumes frames until the channel is closed and returns once the
	// last frame has been played, or when ctx is cancelled.
	Play(ctx context.Context, frames <-chan Frame) error
}

// Drain reads from ch until it is closed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
