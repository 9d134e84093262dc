// Package speech turns the streaming provider contracts into the blocking
// turn-taking calls a form session needs: speak a prompt and wait until it
// has been played, then listen for one answer and return its transcription.
//
// [Engine] implements [Voice] over an [stt.Provider], a [tts.Provider] and an
// audio transport. Capture stops on its own after a stretch of silence that
// follows speech, and always after a maximum duration (see [Recorder]).
package speech

import (
	"context"
	"errors"
	"time"
)

// ErrSpeech marks a failure of synthesis, playback, capture or recognition.
// Callers test for it with errors.Is.
var ErrSpeech = errors.New("speech: i/o failure")

// Hints steer recognition of a single answer.
type Hints struct {
	// Keywords are boosted during recognition, e.g. the options of a select
	// field.
	Keywords []string

	// Language overrides the engine's default BCP-47 tag.
	Language string
}

// Transcription is the recognised text of one answer. Text is empty when
// the user stayed silent.
type Transcription struct {
	Text string

	// Confidence is the mean confidence of the recognised segments, in
	// [0, 1].
	Confidence float64

	// Duration is the length of the captured audio.
	Duration time.Duration
}

// Voice is the speech capability a session drives.
//
// Both calls block. Cancelling ctx stops playback or capture; the returned
// error then wraps ctx.Err() instead of [ErrSpeech].
type Voice interface {
	Speak(ctx context.Context, text string) error
	Listen(ctx context.Context, hints Hints) (Transcription, error)
}
