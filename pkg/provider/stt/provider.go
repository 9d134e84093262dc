// Package stt defines the streaming Speech-to-Text contract consumed by the
// speech engine.
//
// A Provider opens a [SessionHandle] per capture. The caller pushes raw PCM
// chunks with SendAudio and reads committed recognition results from Finals.
// Partials carry interim guesses and are only used for live feedback.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by optional SessionHandle methods the backend
// does not implement.
var ErrNotSupported = errors.New("stt: not supported")

// Transcript is one recognition result.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the backend does not report one.
	Confidence float64

	// Timestamp is the utterance start relative to the stream start.
	Timestamp time.Duration
	Duration  time.Duration
}

// KeywordBoost biases recognition towards a word or phrase, such as the
// options of a select field.
type KeywordBoost struct {
	Keyword string

	// Boost is a backend-specific intensity. Zero means the backend default.
	Boost float64
}

// StreamConfig describes the audio format and recognition hints of a stream.
type StreamConfig struct {
	// SampleRate in Hz. 16000 is the usual value for speech recognition.
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Language is a BCP-47 tag; empty lets the backend auto-detect.
	Language string

	Keywords []KeywordBoost
}

// SessionHandle is an open recognition stream. All methods must be safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers 16-bit little-endian PCM in the negotiated format.
	// It returns an error after Close.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the stream ends.
	Partials() <-chan Transcript

	// Finals emits committed results. Closed when the stream ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the keyword boosts mid-stream, or returns
	// [ErrNotSupported].
	SetKeywords(keywords []KeywordBoost) error

	// Close flushes pending audio and releases the stream. The Partials and
	// Finals channels are closed once Close returns. Idempotent.
	Close() error
}

// Provider opens recognition streams. Implementations must be safe for
// concurrent use.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
