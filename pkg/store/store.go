// Package store defines the persistence contract for voice sessions.
//
// A [Store] keeps one durable [VoiceSession] record per session plus its
// transcript. The session machine treats every call as fallible: failures
// are logged and surfaced as warnings while collection carries on in memory.
//
// Implementations live in sub-packages:
//   - store/memory: in-process map, the default and the test backend
//   - store/postgres: pgx connection pool with inline DDL migration
//   - store/redis: JSON documents with TTL and optimistic updates
//   - store/mock: call recording test double
package store

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	// ErrNotFound is returned when no session with the requested ID exists.
	ErrNotFound = errors.New("store: session not found")

	// ErrPersistence wraps every backend failure so callers can distinguish
	// storage problems from missing records.
	ErrPersistence = errors.New("store: persistence failure")
)

// State is the lifecycle state of a persisted session.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateError        State = "error"
)

// IsTerminal reports whether s is a final state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// FieldStatus tracks collection progress of a single field.
type FieldStatus string

const (
	FieldPending   FieldStatus = "pending"
	FieldCompleted FieldStatus = "completed"
	FieldError     FieldStatus = "error"
)

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerSystem Speaker = "system"
)

// TranscriptEntry is one line of the conversation.
type TranscriptEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
}

// VoiceSession is the durable record of one collection session.
type VoiceSession struct {
	ID            string                 `json:"id"`
	ToolID        string                 `json:"toolId"`
	State         State                  `json:"state"`
	CollectedData map[string]any         `json:"collectedData"`
	FieldStatuses map[string]FieldStatus `json:"fieldStatuses"`
	Transcript    []TranscriptEntry      `json:"transcript"`
	StartTime     time.Time              `json:"startTime"`
	EndTime       *time.Time             `json:"endTime,omitempty"`

	// HandoffAttemptID references the handoff attempt made on completion.
	HandoffAttemptID string `json:"handoffAttemptId,omitempty"`

	// Error holds the failure message of sessions that ended in StateError.
	Error string `json:"error,omitempty"`
}

// Clone returns a deep copy of s. Collected values are copied shallowly.
func (s *VoiceSession) Clone() *VoiceSession {
	if s == nil {
		return nil
	}
	out := *s
	out.CollectedData = maps.Clone(s.CollectedData)
	out.FieldStatuses = maps.Clone(s.FieldStatuses)
	out.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

// Draft holds the initial values of a new session.
type Draft struct {
	// ID is optional; backends generate a UUID when empty.
	ID            string
	ToolID        string
	State         State
	FieldStatuses map[string]FieldStatus
	StartTime     time.Time
}

// New builds the VoiceSession described by d. Zero fields are defaulted.
func (d Draft) New(id string) *VoiceSession {
	s := &VoiceSession{
		ID:            id,
		ToolID:        d.ToolID,
		State:         d.State,
		CollectedData: map[string]any{},
		FieldStatuses: maps.Clone(d.FieldStatuses),
		StartTime:     d.StartTime,
	}
	if s.State == "" {
		s.State = StateInitializing
	}
	if s.FieldStatuses == nil {
		s.FieldStatuses = map[string]FieldStatus{}
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now().UTC()
	}
	return s
}

// Patch is a partial update. Nil fields are left untouched; non-nil maps
// replace the stored map wholesale.
type Patch struct {
	State            *State
	CollectedData    map[string]any
	FieldStatuses    map[string]FieldStatus
	EndTime          *time.Time
	HandoffAttemptID *string
	Error            *string
}

// Apply writes the non-nil fields of p into s.
func (p Patch) Apply(s *VoiceSession) {
	if p.State != nil {
		s.State = *p.State
	}
	if p.CollectedData != nil {
		s.CollectedData = maps.Clone(p.CollectedData)
	}
	if p.FieldStatuses != nil {
		s.FieldStatuses = maps.Clone(p.FieldStatuses)
	}
	if p.EndTime != nil {
		t := *p.EndTime
		s.EndTime = &t
	}
	if p.HandoffAttemptID != nil {
		s.HandoffAttemptID = *p.HandoffAttemptID
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
}

// Ptr returns a pointer to v. It keeps Patch literals short.
func Ptr[T any](v T) *T { return &v }

// Store persists voice sessions. Implementations must be safe for concurrent
// use. Get returns an error wrapping [ErrNotFound] for unknown IDs; Update
// and AppendTranscript do the same.
type Store interface {
	Create(ctx context.Context, d Draft) (*VoiceSession, error)
	Update(ctx context.Context, id string, p Patch) (*VoiceSession, error)
	AppendTranscript(ctx context.Context, id string, e TranscriptEntry) error
	Get(ctx context.Context, id string) (*VoiceSession, error)
}
