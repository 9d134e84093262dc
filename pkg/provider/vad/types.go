package vad

// Event is the classification of a single frame.
type Event struct {
	Type EventType

	// Probability of speech in [0, 1].
	Probability float64
}

// EventType enumerates frame classifications.
type EventType int

const (
	SpeechStart EventType = iota
	SpeechContinue
	SpeechEnd
	Silence
)

// String returns the classification name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// IsSpeech reports whether the frame belongs to a speech segment.
func (t EventType) IsSpeech() bool {
	return t == SpeechStart || t == SpeechContinue
}
