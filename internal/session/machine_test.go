package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/internal/speech"
	speechmock "github.com/MrWong99/vocaform/internal/speech/mock"
	"github.com/MrWong99/vocaform/pkg/store"
	storemock "github.com/MrWong99/vocaform/pkg/store/mock"
	"github.com/MrWong99/vocaform/pkg/tool"
)

var (
	nameField  = tool.FieldSpec{ID: "name", Name: "name", Type: tool.FieldText, Required: true, Prompt: "What is your name?"}
	ageField   = tool.FieldSpec{ID: "age", Name: "age", Type: tool.FieldNumber}
	emailField = tool.FieldSpec{ID: "email", Name: "email", Type: tool.FieldEmail, Required: true}
)

func formTool(fields ...tool.FieldSpec) *tool.Definition {
	return &tool.Definition{
		ID:               "lead-intake",
		Name:             "Lead intake",
		Fields:           fields,
		InitialPrompt:    "Welcome. I will ask you a few questions.",
		ConclusionPrompt: "Thank you, that is everything.",
	}
}

type harness struct {
	m      *Machine
	voice  *speechmock.Voice
	store  *storemock.Store
	events <-chan Event
}

func newHarness(t *testing.T, cfg Config, answers ...string) *harness {
	t.Helper()
	h := &harness{
		voice: &speechmock.Voice{Answers: speechmock.Answers(answers...)},
		store: storemock.New(),
	}
	cfg.Voice = h.voice
	if cfg.Store == nil {
		cfg.Store = h.store
	}
	if cfg.FieldPause == 0 {
		cfg.FieldPause = -1
	}
	var n atomic.Int64
	cfg.NewID = func() string { return fmt.Sprintf("sess-%d", n.Add(1)) }
	h.m = NewMachine(cfg)

	events, unsubscribe := h.m.Subscribe(1024)
	t.Cleanup(unsubscribe)
	h.events = events
	return h
}

func (h *harness) run(t *testing.T, def *tool.Definition) Outcome {
	t.Helper()
	if _, err := h.m.Start(context.Background(), def); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return out
}

// waitState consumes events until the machine reports state s.
func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == EventStateChanged && ev.State == s {
				return
			}
		case <-timeout:
			t.Fatalf("state %s never reached; now %s", s, h.m.State())
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drain returns every event published so far.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []Event, k EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestMachine_NameAndOptionalAge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, "Jane Doe", "")

	out := h.run(t, formTool(nameField, ageField))
	if out.State != StateCompleted || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.CollectedData["name"] != "Jane Doe" || out.CollectedData["age"] != "" {
		t.Errorf("collected = %v", out.CollectedData)
	}

	p := h.m.Progress()
	if p.CompletedFields != 2 || p.CurrentFieldIndex != 2 || p.TotalFields != 2 {
		t.Errorf("progress = %+v", p)
	}
	for id, st := range p.FieldStatuses {
		if st != store.FieldCompleted {
			t.Errorf("field %s status = %s", id, st)
		}
	}

	spoken := h.voice.Spoken()
	want := []string{
		"Welcome. I will ask you a few questions.",
		"What is your name?",
		"Got it, Jane Doe.",
		"What is your age? Please say a number. This one is optional.",
		"Okay, no age.",
		"Thank you, that is everything.",
	}
	if !slices.Equal(spoken, want) {
		t.Errorf("spoken =\n%q\nwant\n%q", spoken, want)
	}

	rec, err := h.store.Get(context.Background(), out.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateCompleted || rec.EndTime == nil || rec.CollectedData["name"] != "Jane Doe" {
		t.Errorf("stored session = %+v", rec)
	}
	if len(rec.Transcript) != len(want)+2 {
		t.Errorf("transcript has %d lines, want %d", len(rec.Transcript), len(want)+2)
	}
}

func TestMachine_SpokenEmailIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, "john at example dot com", "john@example.com")

	out := h.run(t, formTool(emailField))
	if out.State != StateCompleted || out.CollectedData["email"] != "john@example.com" {
		t.Fatalf("outcome = %+v", out)
	}

	events := h.drain()
	invalid := kinds(events, EventFieldInvalid)
	if len(invalid) != 1 || invalid[0].FieldID != "email" || invalid[0].FieldIndex != 0 {
		t.Fatalf("invalid events = %+v", invalid)
	}
	if len(invalid[0].Errors) == 0 {
		t.Error("rejection carries no messages")
	}
	completed := kinds(events, EventFieldCompleted)
	if len(completed) != 1 || completed[0].FieldID != "email" {
		t.Errorf("completed events = %+v", completed)
	}

	if p := h.m.Progress(); p.Attempts["email"] != 2 {
		t.Errorf("attempts = %d, want 2", p.Attempts["email"])
	}
	var apologised bool
	for _, s := range h.voice.Spoken() {
		if strings.HasPrefix(s, "Sorry.") {
			apologised = true
		}
	}
	if !apologised {
		t.Errorf("no apology in %q", h.voice.Spoken())
	}
	if h.voice.Listens() != 2 {
		t.Errorf("listens = %d, want 2", h.voice.Listens())
	}
}

func TestMachine_SelectOptionsBecomeHints(t *testing.T) {
	t.Parallel()
	plan := tool.FieldSpec{ID: "plan", Name: "plan", Type: tool.FieldSelect, Required: true, Options: []string{"Basic", "Premium"}}
	h := newHarness(t, Config{}, "premium")

	out := h.run(t, formTool(plan))
	if out.CollectedData["plan"] != "Premium" {
		t.Errorf("plan = %v", out.CollectedData["plan"])
	}
	hints := h.voice.Hints()
	if len(hints) != 1 || !slices.Equal(hints[0].Keywords, []string{"Basic", "Premium"}) {
		t.Errorf("hints = %+v", hints)
	}
}

func TestMachine_HandoffRunsBeforeCompletion(t *testing.T) {
	t.Parallel()
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"crm-77"}`))
	}))
	defer srv.Close()

	def := formTool(nameField)
	def.Handoff = &tool.HandoffConfig{
		Type: tool.HandoffAPI,
		API:  &tool.APIConfig{Endpoint: srv.URL, Method: "POST", PayloadTemplate: map[string]any{"fullName": "{{name}}"}},
	}
	h := newHarness(t, Config{Handoff: handoff.New()}, "Jane Doe")

	out := h.run(t, def)
	if out.State != StateCompleted || out.Handoff == nil || !out.Handoff.Result.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if got.Load() != "POST" {
		t.Errorf("sink saw method %v", got.Load())
	}

	handoffAt, completedAt := -1, -1
	for i, ev := range h.drain() {
		switch {
		case ev.Kind == EventHandoff:
			handoffAt = i
		case ev.Kind == EventStateChanged && ev.State == StateCompleted:
			completedAt = i
		}
	}
	if handoffAt < 0 || completedAt < 0 || handoffAt > completedAt {
		t.Errorf("handoff event at %d, completed at %d", handoffAt, completedAt)
	}

	p := h.m.Progress()
	if p.CurrentFieldIndex > p.TotalFields {
		t.Errorf("cursor %d beyond %d fields", p.CurrentFieldIndex, p.TotalFields)
	}
	rec, _ := h.store.Get(context.Background(), out.SessionID)
	if rec.HandoffAttemptID != out.Handoff.ID {
		t.Errorf("stored attempt id = %q, want %q", rec.HandoffAttemptID, out.Handoff.ID)
	}
}

func TestMachine_FailedHandoffStillCompletes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := formTool(nameField)
	def.Handoff = &tool.HandoffConfig{Type: tool.HandoffAPI, API: &tool.APIConfig{Endpoint: srv.URL}}
	engine := handoff.New()
	h := newHarness(t, Config{Handoff: engine}, "Jane Doe")

	out := h.run(t, def)
	if out.State != StateCompleted {
		t.Fatalf("state = %s, want completed", out.State)
	}
	if out.Handoff == nil || out.Handoff.Result.Success || out.Handoff.Result.StatusCode != 500 {
		t.Fatalf("handoff = %+v", out.Handoff)
	}
	spoken := h.voice.Spoken()
	if n := strings.Count(strings.Join(spoken, "\n"), handoffNotice); n != 1 {
		t.Errorf("support notice spoken %d times", n)
	}

	attempts, err := engine.History().List(context.Background())
	if err != nil || len(attempts) != 1 || attempts[0].SessionID != out.SessionID {
		t.Errorf("history = %v, %v", attempts, err)
	}
}

func TestMachine_StartConflictAndValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if _, err := h.m.Start(context.Background(), &tool.Definition{ID: "x"}); !errors.Is(err, tool.ErrInvalidTool) {
		t.Errorf("invalid tool err = %v", err)
	}
	if h.m.State() != StateIdle || len(h.store.CreateCalls) != 0 {
		t.Error("invalid Start mutated the machine")
	}

	if _, err := h.m.Start(context.Background(), formTool(nameField)); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)
	id := h.m.SessionID()
	if _, err := h.m.Start(context.Background(), formTool(ageField)); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("second Start err = %v, want ErrSessionConflict", err)
	}
	if h.m.SessionID() != id {
		t.Error("conflicting Start replaced the session")
	}
	_ = h.m.Cancel(context.Background())
}

func TestMachine_PauseResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	if err := h.m.Pause(); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Pause on idle = %v", err)
	}
	if _, err := h.m.Start(context.Background(), formTool(nameField)); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)

	if err := h.m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.m.Pause(); err != nil {
		t.Errorf("second Pause: %v", err)
	}
	if h.m.State() != StatePaused {
		t.Fatalf("state = %s", h.m.State())
	}
	if p := h.m.Progress(); p.TotalFields != 1 || p.FieldStatuses["name"] != store.FieldPending {
		t.Errorf("progress lost on pause: %+v", p)
	}
	waitFor(t, func() bool {
		for _, u := range h.store.Updates() {
			if u.Patch.State != nil && *u.Patch.State == store.StatePaused {
				return true
			}
		}
		return false
	})

	h.voice.Push(speechmock.Answers("Jane Doe")...)
	if err := h.m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	out := h.wait(t)
	if out.State != StateCompleted || out.CollectedData["name"] != "Jane Doe" {
		t.Fatalf("outcome = %+v", out)
	}
	if h.voice.Listens() != 2 {
		t.Errorf("listens = %d, want 2", h.voice.Listens())
	}

	if err := h.m.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause after completion = %v", err)
	}
	if err := h.m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume after completion = %v", err)
	}
}

func TestMachine_Cancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, "Jane Doe")

	if err := h.m.Cancel(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Cancel on idle = %v", err)
	}
	if _, err := h.m.Start(context.Background(), formTool(nameField, emailField)); err != nil {
		t.Fatal(err)
	}
	// The first answer is consumed; the machine then waits on the email.
	h.waitState(t, StateListening)
	h.waitState(t, StateListening)

	if err := h.m.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	out := h.wait(t)
	if out.State != StateCancelled || out.CollectedData != nil {
		t.Errorf("outcome = %+v", out)
	}
	if p := h.m.Progress(); p.TotalFields != 0 || len(p.CollectedData) != 0 {
		t.Errorf("progress not cleared: %+v", p)
	}
	spoken := h.voice.Spoken()
	if spoken[len(spoken)-1] != cancelNotice {
		t.Errorf("last spoken = %q", spoken[len(spoken)-1])
	}
	rec, _ := h.store.Get(context.Background(), out.SessionID)
	if rec.State != store.StateCancelled || rec.EndTime == nil {
		t.Errorf("stored = %+v", rec)
	}
	if err := h.m.Cancel(context.Background()); err != nil {
		t.Errorf("second Cancel = %v", err)
	}
}

func TestMachine_SpeechFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.voice.ListenErr = fmt.Errorf("%w: microphone unplugged", speech.ErrSpeech)

	out := h.run(t, formTool(nameField))
	if out.State != StateError || !errors.Is(out.Err, speech.ErrSpeech) {
		t.Fatalf("outcome = %+v", out)
	}
	rec, _ := h.store.Get(context.Background(), out.SessionID)
	if rec.State != store.StateError || !strings.Contains(rec.Error, "microphone unplugged") {
		t.Errorf("stored = %+v", rec)
	}
	if err := h.m.Cancel(context.Background()); err != nil {
		t.Errorf("Cancel after error = %v", err)
	}
	if h.m.State() != StateError {
		t.Errorf("state = %s", h.m.State())
	}
}

func TestMachine_MaxAttempts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cfg       Config
		field     tool.FieldSpec
		answers   []string
		wantState State
		wantValue any
	}{
		{
			name:      "required field gives up",
			cfg:       Config{MaxAttempts: 2},
			field:     emailField,
			answers:   []string{"nope", "still nope"},
			wantState: StateError,
		},
		{
			name: "optional field is skipped",
			cfg:  Config{MaxAttempts: 5},
			field: tool.FieldSpec{
				ID: "phone", Name: "phone", Type: tool.FieldPhone, MaxAttempts: 1,
			},
			answers:   []string{"call me maybe"},
			wantState: StateCompleted,
			wantValue: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tc.cfg, tc.answers...)
			out := h.run(t, formTool(tc.field))
			if out.State != tc.wantState {
				t.Fatalf("state = %s (%v), want %s", out.State, out.Err, tc.wantState)
			}
			if tc.wantState == StateError {
				if !errors.Is(out.Err, ErrMaxAttemptsExceeded) {
					t.Errorf("err = %v", out.Err)
				}
				return
			}
			if v, ok := out.CollectedData[tc.field.Name]; !ok || v != tc.wantValue {
				t.Errorf("value = %v (present %v)", v, ok)
			}
			if len(kinds(h.drain(), EventFieldSkipped)) != 1 {
				t.Error("no skip event")
			}
		})
	}
}

func TestMachine_StoreFailuresAreWarnings(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	st.CreateErr = errors.New("connection refused")
	h := newHarness(t, Config{Store: st}, "Jane Doe")

	out := h.run(t, formTool(nameField))
	if out.State != StateCompleted || out.SessionID != "sess-1" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(kinds(h.drain(), EventWarning)) == 0 {
		t.Error("no warning event")
	}
	if len(st.UpdateCalls) != 0 {
		t.Errorf("updates sent for an unpersisted session: %d", len(st.UpdateCalls))
	}

	h2 := newHarness(t, Config{}, "Jane Doe")
	h2.store.UpdateErr = errors.New("disk full")
	h2.store.AppendErr = errors.New("disk full")
	out = h2.run(t, formTool(nameField))
	if out.State != StateCompleted {
		t.Fatalf("state = %s", out.State)
	}
	if len(kinds(h2.drain(), EventWarning)) < 2 {
		t.Error("expected warnings for failed writes")
	}
}

func TestMachine_Reset(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, "Jane Doe", "John Roe")

	first := h.run(t, formTool(nameField))
	if err := h.m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h.m.State() != StateIdle || h.m.SessionID() != "" {
		t.Errorf("after reset: %s %q", h.m.State(), h.m.SessionID())
	}
	if _, err := h.m.Wait(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Wait after reset = %v", err)
	}

	second := h.run(t, formTool(nameField))
	if second.SessionID == first.SessionID || second.CollectedData["name"] != "John Roe" {
		t.Errorf("second = %+v", second)
	}

	if _, err := h.m.Start(context.Background(), formTool(emailField)); err != nil {
		t.Fatal(err)
	}
	h.waitState(t, StateListening)
	if err := h.m.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reset while running = %v", err)
	}
	_ = h.m.Cancel(context.Background())
}

func TestMachine_SubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewMachine(Config{Voice: &speechmock.Voice{}})
	ch, unsubscribe := m.Subscribe(0)
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}
