package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/vocaform/internal/session"
	"github.com/MrWong99/vocaform/internal/speech"
	"github.com/MrWong99/vocaform/pkg/tool"
)

// ErrSessionNotFound is returned for IDs that are not running.
var ErrSessionNotFound = errors.New("app: session not found")

// ErrTooManySessions is returned by Start when the configured limit of
// concurrent sessions is reached.
var ErrTooManySessions = errors.New("app: too many active sessions")

// SessionInfo holds metadata about a running session.
type SessionInfo struct {
	SessionID string           `json:"sessionId"`
	ToolID    string           `json:"toolId"`
	StartedAt time.Time        `json:"startedAt"`
	State     session.State    `json:"state"`
	Progress  session.Progress `json:"progress"`
}

type liveSession struct {
	machine   *session.Machine
	toolID    string
	startedAt time.Time
}

// SessionManager runs one [session.Machine] per voice connection and merges
// their event streams. All exported methods are safe for concurrent use.
type SessionManager struct {
	template session.Config
	limit    int

	mu       sync.Mutex
	sessions map[string]*liveSession
	starting int
	wg       sync.WaitGroup

	events chan session.Event
}

// NewSessionManager creates a manager whose machines are built from
// template; Voice is set per session. limit caps concurrent sessions, 0
// means unlimited.
func NewSessionManager(template session.Config, limit int) *SessionManager {
	return &SessionManager{
		template: template,
		limit:    limit,
		sessions: make(map[string]*liveSession),
		events:   make(chan session.Event, 256),
	}
}

// Events returns the merged event stream of all sessions. Events are dropped
// while nobody reads.
func (sm *SessionManager) Events() <-chan session.Event { return sm.events }

// Start begins a session for def speaking through voice. The returned
// machine is already running.
//
// If out is not nil it receives every event of the session, starting with
// the first state change, and is closed once the session has ended. The
// caller must drain it. On error out is left untouched.
func (sm *SessionManager) Start(ctx context.Context, def *tool.Definition, voice speech.Voice, out chan<- session.Event) (*session.Machine, error) {
	sm.mu.Lock()
	if sm.limit > 0 && len(sm.sessions)+sm.starting >= sm.limit {
		sm.mu.Unlock()
		return nil, ErrTooManySessions
	}
	sm.starting++
	sm.mu.Unlock()

	cfg := sm.template
	cfg.Voice = voice
	m := session.NewMachine(cfg)
	events, unsubscribe := m.Subscribe(64)

	id, err := m.Start(ctx, def)
	sm.mu.Lock()
	sm.starting--
	if err != nil {
		sm.mu.Unlock()
		unsubscribe()
		return nil, err
	}
	sm.sessions[id] = &liveSession{machine: m, toolID: def.ID, startedAt: time.Now().UTC()}
	sm.mu.Unlock()

	sm.wg.Add(2)
	go func() {
		defer sm.wg.Done()
		if out != nil {
			defer close(out)
		}
		for ev := range events {
			if out != nil {
				out <- ev
			}
			select {
			case sm.events <- ev:
			default:
				slog.Debug("app: event dropped", "session_id", id, "kind", ev.Kind)
			}
		}
	}()
	go func() {
		defer sm.wg.Done()
		defer unsubscribe()
		res, _ := m.Wait(context.Background())
		sm.mu.Lock()
		delete(sm.sessions, id)
		sm.mu.Unlock()
		slog.Info("app: session finished", "session_id", id, "tool", def.ID, "state", res.State)
	}()

	return m, nil
}

// Info returns the metadata of a running session.
func (sm *SessionManager) Info(id string) (SessionInfo, error) {
	sm.mu.Lock()
	ls, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return SessionInfo{}, ErrSessionNotFound
	}
	return ls.info(id), nil
}

// List returns all running sessions ordered by start time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for id, ls := range sm.sessions {
		out = append(out, ls.info(id))
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Cancel cancels a running session and waits for it to wind down.
func (sm *SessionManager) Cancel(ctx context.Context, id string) error {
	sm.mu.Lock()
	ls, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if err := ls.machine.Cancel(ctx); err != nil {
		return fmt.Errorf("app: cancel %s: %w", id, err)
	}
	return nil
}

// Stop cancels every running session and waits for their goroutines,
// respecting the ctx deadline.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	machines := make([]*session.Machine, 0, len(sm.sessions))
	for _, ls := range sm.sessions {
		machines = append(machines, ls.machine)
	}
	sm.mu.Unlock()

	var errs []error
	for _, m := range machines {
		if err := m.Cancel(ctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (ls *liveSession) info(id string) SessionInfo {
	return SessionInfo{
		SessionID: id,
		ToolID:    ls.toolID,
		StartedAt: ls.startedAt,
		State:     ls.machine.State(),
		Progress:  ls.machine.Progress(),
	}
}
