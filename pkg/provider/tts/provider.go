// Package tts defines the streaming Text-to-Speech contract consumed by the
// speech engine.
package tts

import "context"

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the backend-specific voice identifier. Empty uses the backend
	// default voice.
	ID   string
	Name string

	// SpeedFactor scales the speaking rate; 0 or 1 means normal speed.
	SpeedFactor float64

	// Metadata carries backend-specific attributes such as language or accent.
	Metadata map[string]string
}

// Provider synthesises speech. Implementations must be safe for concurrent
// use.
type Provider interface {
	// SynthesizeStream reads text fragments until text is closed and emits
	// 16-bit little-endian mono PCM chunks. The returned channel is closed
	// once synthesis is done or ctx is cancelled; callers must drain it.
	// Synthesis failures after the stream started close the channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the backend offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
