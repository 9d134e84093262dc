package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/vocaform/internal/session"
	speechmock "github.com/MrWong99/vocaform/internal/speech/mock"
	"github.com/MrWong99/vocaform/pkg/store/memory"
	"github.com/MrWong99/vocaform/pkg/tool"
)

func nameTool() *tool.Definition {
	return &tool.Definition{
		ID: "name-only",
		Fields: []tool.FieldSpec{
			{ID: "name", Name: "name", Type: tool.FieldText, Required: true},
		},
		InitialPrompt:    "Hello.",
		ConclusionPrompt: "Bye.",
	}
}

func newManager(limit int) *SessionManager {
	return NewSessionManager(session.Config{Store: memory.New(), FieldPause: -1}, limit)
}

func drainEvents(t *testing.T, ch <-chan session.Event) []session.Event {
	t.Helper()
	var out []session.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
}

func waitEmpty(t *testing.T, sm *SessionManager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(sm.List()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions still running: %+v", sm.List())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionManager_StartForwardsEvents(t *testing.T) {
	t.Parallel()
	sm := newManager(0)
	voice := &speechmock.Voice{Answers: speechmock.Answers("Ada Lovelace")}
	out := make(chan session.Event, 8)

	m, err := sm.Start(context.Background(), nameTool(), voice, out)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := drainEvents(t, out)
	if len(events) == 0 || events[0].Kind != session.EventStateChanged || events[0].State != session.StateActive {
		t.Fatalf("first event = %+v", events)
	}
	last := events[len(events)-1]
	if last.Kind != session.EventStateChanged || last.State != session.StateCompleted {
		t.Errorf("last event = %+v", last)
	}
	if last.SessionID != m.SessionID() {
		t.Errorf("event session = %q, want %q", last.SessionID, m.SessionID())
	}

	// The merged stream sees the same events.
	select {
	case ev := <-sm.Events():
		if ev.SessionID != m.SessionID() {
			t.Errorf("merged event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("merged stream is empty")
	}
	waitEmpty(t, sm)
}

func TestSessionManager_InfoAndCancel(t *testing.T) {
	t.Parallel()
	sm := newManager(0)
	voice := &speechmock.Voice{}
	out := make(chan session.Event, 64)

	m, err := sm.Start(context.Background(), nameTool(), voice, out)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := m.SessionID()

	info, err := sm.Info(id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ToolID != "name-only" || info.Progress.TotalFields != 1 || info.StartedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if list := sm.List(); len(list) != 1 || list[0].SessionID != id {
		t.Errorf("list = %+v", list)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	drainEvents(t, out)
	waitEmpty(t, sm)

	if _, err := sm.Info(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Info after end = %v, want ErrSessionNotFound", err)
	}
	if err := sm.Cancel(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Cancel after end = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManager_Limit(t *testing.T) {
	t.Parallel()
	sm := newManager(1)

	if _, err := sm.Start(context.Background(), nameTool(), &speechmock.Voice{}, nil); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := sm.Start(context.Background(), nameTool(), &speechmock.Voice{}, nil); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("second Start = %v, want ErrTooManySessions", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(sm.List()) != 0 {
		t.Errorf("sessions after Stop = %+v", sm.List())
	}
	if _, err := sm.Start(context.Background(), nameTool(), &speechmock.Voice{Answers: speechmock.Answers("Grace")}, nil); err != nil {
		t.Errorf("Start after Stop: %v", err)
	}
}

func TestSessionManager_InvalidTool(t *testing.T) {
	t.Parallel()
	sm := newManager(1)
	out := make(chan session.Event, 1)
	def := nameTool()
	def.Fields = nil

	if _, err := sm.Start(context.Background(), def, &speechmock.Voice{}, out); err == nil {
		t.Fatal("Start accepted a tool without fields")
	}
	select {
	case _, ok := <-out:
		t.Errorf("out touched after failed start (open=%v)", ok)
	default:
	}
	// The failed start released its slot.
	if _, err := sm.Start(context.Background(), nameTool(), &speechmock.Voice{Answers: speechmock.Answers("Grace")}, nil); err != nil {
		t.Errorf("Start: %v", err)
	}
}
