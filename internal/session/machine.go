package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/internal/speech"
	"github.com/MrWong99/vocaform/pkg/store"
	"github.com/MrWong99/vocaform/pkg/store/memory"
	"github.com/MrWong99/vocaform/pkg/tool"
)

// defaultFieldPause is the gap between a confirmation and the next prompt.
const defaultFieldPause = 500 * time.Millisecond

// Handoff delivers collected data. [*handoff.Engine] implements it.
type Handoff interface {
	Execute(ctx context.Context, req handoff.Request) (*handoff.Attempt, error)
}

// Config configures a [Machine].
type Config struct {
	// Voice speaks prompts and listens for answers. Required.
	Voice speech.Voice

	// Store persists sessions. Defaults to an in-memory store.
	Store store.Store

	// Handoff delivers the data of completed sessions. Nil skips delivery
	// even when the tool declares a handoff.
	Handoff Handoff

	// MaxAttempts limits how often a field is asked before giving up. A
	// field's own MaxAttempts takes precedence. Zero means unlimited.
	MaxAttempts int

	// FieldPause is waited after each accepted field. Zero selects 500ms; a
	// negative value disables the pause.
	FieldPause time.Duration

	// Metrics records session counters. Nil disables recording.
	Metrics *observe.Metrics

	// Now and NewID are test hooks.
	Now   func() time.Time
	NewID func() string
}

// Machine orchestrates one voice session at a time. All methods are safe for
// concurrent use. The session itself runs on a goroutine owned by the
// machine; control methods talk to it through shared state under mu.
type Machine struct {
	cfg Config
	bus bus

	mu         sync.Mutex
	state      State
	sessionID  string
	def        *tool.Definition
	progress   Progress
	persisted  bool
	starting   bool
	cancel     context.CancelFunc
	turnCancel context.CancelFunc
	resumeCh   chan struct{}
	done       chan struct{}
	outcome    Outcome
}

// NewMachine returns an idle machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Store == nil {
		cfg.Store = memory.New()
	}
	if cfg.FieldPause == 0 {
		cfg.FieldPause = defaultFieldPause
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Machine{cfg: cfg, state: StateIdle}
}

// Start begins a session for def and returns its ID without waiting for it
// to finish. def is copied; later changes by the caller have no effect.
//
// Start fails with [ErrSessionConflict] while another session is running and
// with an error wrapping [tool.ErrInvalidTool] for malformed definitions.
// If the store cannot create the session, collection continues in memory
// under a locally generated ID.
func (m *Machine) Start(ctx context.Context, def *tool.Definition) (string, error) {
	m.mu.Lock()
	if m.state.Running() || m.starting || m.busy() {
		m.mu.Unlock()
		return "", ErrSessionConflict
	}
	if err := tool.Validate(def); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("session: start: %w", err)
	}
	m.starting = true
	m.mu.Unlock()

	def = def.Clone()
	progress := Progress{
		TotalFields:      len(def.Fields),
		FieldStatuses:    make(map[string]store.FieldStatus, len(def.Fields)),
		CollectedData:    map[string]any{},
		ValidationErrors: map[string][]string{},
		Attempts:         map[string]int{},
	}
	for _, f := range def.Fields {
		progress.FieldStatuses[f.ID] = store.FieldPending
	}

	id := m.cfg.NewID()
	log := observe.Logger(ctx)
	persisted := true
	rec, err := m.cfg.Store.Create(ctx, store.Draft{
		ID:            id,
		ToolID:        def.ID,
		State:         store.StateActive,
		FieldStatuses: progress.FieldStatuses,
		StartTime:     m.cfg.Now(),
	})
	switch {
	case err != nil:
		persisted = false
		log.Warn("session: create failed, continuing in memory", "session_id", id, "err", err)
	case rec.ID != "":
		id = rec.ID
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.starting = false
	m.sessionID = id
	m.def = def
	m.progress = progress
	m.persisted = persisted
	m.cancel = cancel
	m.turnCancel = nil
	m.resumeCh = nil
	m.done = make(chan struct{})
	m.outcome = Outcome{SessionID: id}
	if m.state.IsTerminal() {
		m.state = StateIdle
	}
	m.setStateLocked(StateActive)
	done := m.done
	m.mu.Unlock()

	if !persisted {
		m.warn(fmt.Sprintf("session could not be persisted: %v", err))
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSessionStart(ctx, def.ID)
	}
	log.Info("session: started", "session_id", id, "tool", def.ID, "fields", len(def.Fields))

	go m.run(runCtx, done)
	return id, nil
}

// busy reports whether a session goroutine is still running. Callers hold mu.
func (m *Machine) busy() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the current session has finished and returns its
// outcome. A session that ended in error is reported through Outcome.Err.
func (m *Machine) Wait(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return Outcome{}, ErrNoActiveSession
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome, nil
}

// Pause stops listening without losing progress. It is legal while
// listening and a no-op while paused.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StatePaused:
		return nil
	case StateListening:
		m.resumeCh = make(chan struct{})
		m.setStateLocked(StatePaused)
		if m.turnCancel != nil {
			m.turnCancel()
		}
		return nil
	case StateIdle:
		return ErrNoActiveSession
	default:
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidTransition, m.state)
	}
}

// Resume listens for the current field again. It is legal while paused and
// a no-op while listening.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateListening:
		return nil
	case StatePaused:
		m.setStateLocked(StateListening)
		close(m.resumeCh)
		m.resumeCh = nil
		return nil
	case StateIdle:
		return ErrNoActiveSession
	default:
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidTransition, m.state)
	}
}

// Cancel ends the running session. Capture and playback stop at once; the
// session is persisted as cancelled, a cancellation notice is spoken and the
// in-memory progress is cleared. Cancel returns once that has happened or
// ctx is done. Cancelling a finished session is a no-op.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	done := m.done
	if !m.state.IsTerminal() {
		m.setStateLocked(StateCancelled)
		m.cancel()
	}
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a finished machine to idle so it can host a new session.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Running() || m.busy() {
		return fmt.Errorf("%w: cannot reset while %s", ErrInvalidTransition, m.state)
	}
	if m.state == StateIdle {
		return nil
	}
	m.setStateLocked(StateIdle)
	m.sessionID = ""
	m.def = nil
	m.progress = Progress{}
	m.done = nil
	m.outcome = Outcome{}
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the ID of the current or last session.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Progress returns a copy of the collection progress.
func (m *Machine) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress.clone()
}

// Subscribe returns a stream of events with the given buffer size and a
// function that ends the subscription. Slow subscribers miss events rather
// than stall the session.
func (m *Machine) Subscribe(buf int) (<-chan Event, func()) {
	return m.bus.subscribe(buf)
}

// setStateLocked changes state and publishes the change. Terminal states
// are final until Reset. Callers hold mu.
func (m *Machine) setStateLocked(to State) bool {
	from := m.state
	if from == to {
		return true
	}
	if from.IsTerminal() && to != StateIdle {
		return false
	}
	m.state = to
	m.bus.publish(Event{Kind: EventStateChanged, SessionID: m.sessionID, Time: m.cfg.Now(), State: to, Previous: from})
	return true
}

// transition changes state unless the session has already ended.
func (m *Machine) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStateLocked(to)
}

func (m *Machine) emit(ev Event) {
	m.mu.Lock()
	ev.SessionID = m.sessionID
	m.mu.Unlock()
	ev.Time = m.cfg.Now()
	m.bus.publish(ev)
}

func (m *Machine) warn(msg string) {
	m.emit(Event{Kind: EventWarning, Message: msg})
}
