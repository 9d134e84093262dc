// Package session runs voice data-collection sessions.
//
// A [Machine] owns at most one session at a time. [Machine.Start] persists a
// new session and hands it to a goroutine that speaks the tool's initial
// prompt and then walks the fields in order: prompt, listen, normalise, and
// either confirm and advance or apologise and ask again. After the last field
// it speaks the conclusion, delivers the data through the handoff engine and
// completes. Progress is observable through [Machine.Progress] and through
// the typed [Event] stream returned by [Machine.Subscribe].
package session

import (
	"errors"
	"maps"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/pkg/store"
)

var (
	// ErrSessionConflict is returned by Start while a session is running.
	// Nothing is changed.
	ErrSessionConflict = errors.New("session: a session is already active")

	// ErrInvalidTransition is returned when a control call is not legal in
	// the current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")

	// ErrNoActiveSession is returned by control calls on an idle machine.
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrMaxAttemptsExceeded ends a session whose required field was
	// answered invalidly too many times.
	ErrMaxAttemptsExceeded = errors.New("session: maximum attempts exceeded")

	// errStopped unwinds the session goroutine after Cancel.
	errStopped = errors.New("session: stopped")
)

// State is the machine state.
type State string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateSpeaking   State = "speaking"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateError      State = "error"
)

// IsTerminal reports whether s ends a session.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Running reports whether a session is in progress.
func (s State) Running() bool {
	return s != StateIdle && !s.IsTerminal()
}

// persisted maps a machine state onto the coarser stored lifecycle.
func (s State) persisted() store.State {
	switch s {
	case StatePaused:
		return store.StatePaused
	case StateCompleted:
		return store.StateCompleted
	case StateCancelled:
		return store.StateCancelled
	case StateError:
		return store.StateError
	case StateIdle:
		return store.StateInitializing
	default:
		return store.StateActive
	}
}

// Progress is a snapshot of a session's collection progress.
type Progress struct {
	TotalFields       int `json:"totalFields"`
	CompletedFields   int `json:"completedFields"`
	CurrentFieldIndex int `json:"currentFieldIndex"`

	// FieldStatuses is keyed by field ID.
	FieldStatuses map[string]store.FieldStatus `json:"fieldStatuses"`

	// CollectedData is keyed by field name.
	CollectedData map[string]any `json:"collectedData"`

	// ValidationErrors holds the messages of the latest rejected answer per
	// field ID.
	ValidationErrors map[string][]string `json:"validationErrors"`

	// Attempts counts answers evaluated per field ID.
	Attempts map[string]int `json:"attempts"`
}

func (p Progress) clone() Progress {
	out := p
	out.FieldStatuses = maps.Clone(p.FieldStatuses)
	out.CollectedData = maps.Clone(p.CollectedData)
	out.Attempts = maps.Clone(p.Attempts)
	if p.ValidationErrors != nil {
		out.ValidationErrors = make(map[string][]string, len(p.ValidationErrors))
		for k, v := range p.ValidationErrors {
			out.ValidationErrors[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Outcome is how a session ended.
type Outcome struct {
	SessionID string
	State     State

	// CollectedData is empty for cancelled sessions.
	CollectedData map[string]any

	// Handoff is the delivery attempt made on completion, if any.
	Handoff *handoff.Attempt

	// Err is set for sessions that ended in StateError.
	Err error
}
