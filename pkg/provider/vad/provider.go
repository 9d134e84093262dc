// Package vad defines the frame-level Voice Activity Detection contract used
// by the speech recorder to decide when an answer has ended.
//
// Detection is synchronous: ProcessFrame classifies one PCM frame and
// returns immediately. Every SessionHandle keeps its own smoothing state, so
// one is needed per capture.
package vad

// Config holds the parameters of a detection session.
type Config struct {
	// SampleRate of the PCM frames in Hz.
	SampleRate int

	// FrameSizeMs is the fixed frame duration the model expects.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame counts as
	// speech, in [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an ongoing speech
	// segment ends. Must not exceed SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle is one stateful detection stream. It is not required to be
// safe for concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one frame of 16-bit little-endian PCM.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears the smoothing state without closing the session.
	Reset()

	// Close releases the session. Idempotent.
	Close() error
}

// Engine creates detection sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
