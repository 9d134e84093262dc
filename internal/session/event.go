package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/pkg/store"
)

// EventKind names the type of an [Event].
type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventTranscript     EventKind = "transcript"
	EventFieldCompleted EventKind = "field_completed"
	EventFieldInvalid   EventKind = "field_invalid"
	EventFieldSkipped   EventKind = "field_skipped"
	EventWarning        EventKind = "warning"
	EventHandoff        EventKind = "handoff"
)

// Event is one entry of a machine's outbound event stream. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId"`
	Time      time.Time `json:"time"`

	// State changes.
	State    State `json:"state,omitempty"`
	Previous State `json:"previous,omitempty"`

	// Field results.
	FieldID    string   `json:"fieldId,omitempty"`
	FieldIndex int      `json:"fieldIndex,omitempty"`
	Value      any      `json:"value,omitempty"`
	Errors     []string `json:"errors,omitempty"`

	// Transcript lines.
	Speaker    store.Speaker `json:"speaker,omitempty"`
	Text       string        `json:"text,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`

	// Warnings.
	Message string `json:"message,omitempty"`

	Handoff *handoff.Attempt `json:"handoff,omitempty"`
}

// bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func (b *bus) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("session: subscriber lagging, event dropped", "subscriber", id, "kind", ev.Kind)
		}
	}
}
