// Package mock provides a scripted [speech.Voice] for tests.
//
// Listen returns the scripted answers in order. Once they are used up it
// blocks until its context is cancelled, like a user who never answers.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocaform/internal/speech"
)

// Voice is a mock implementation of [speech.Voice].
type Voice struct {
	mu sync.Mutex

	// Answers are returned by successive Listen calls.
	Answers []speech.Transcription

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// ListenErr, if non-nil, is returned by every Listen call.
	ListenErr error

	spoken []string
	hints  []speech.Hints
	next   int
}

var _ speech.Voice = (*Voice)(nil)

// Answers builds transcriptions with full confidence from texts.
func Answers(texts ...string) []speech.Transcription {
	out := make([]speech.Transcription, len(texts))
	for i, t := range texts {
		out[i] = speech.Transcription{Text: t, Confidence: 1}
	}
	return out
}

// Speak records text.
func (v *Voice) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spoken = append(v.spoken, text)
	return v.SpeakErr
}

// Listen returns the next scripted answer.
func (v *Voice) Listen(ctx context.Context, hints speech.Hints) (speech.Transcription, error) {
	v.mu.Lock()
	v.hints = append(v.hints, hints)
	if v.ListenErr != nil {
		err := v.ListenErr
		v.mu.Unlock()
		return speech.Transcription{}, err
	}
	if v.next < len(v.Answers) {
		a := v.Answers[v.next]
		v.next++
		v.mu.Unlock()
		return a, ctx.Err()
	}
	v.mu.Unlock()
	<-ctx.Done()
	return speech.Transcription{}, ctx.Err()
}

// Spoken returns every text passed to Speak.
func (v *Voice) Spoken() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.spoken...)
}

// Hints returns the hints of every Listen call.
func (v *Voice) Hints() []speech.Hints {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]speech.Hints(nil), v.hints...)
}

// Listens returns the number of Listen calls.
func (v *Voice) Listens() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.hints)
}

// Push appends answers while the voice is in use.
func (v *Voice) Push(answers ...speech.Transcription) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Answers = append(v.Answers, answers...)
}
