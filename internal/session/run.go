package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/internal/normalize"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/internal/speech"
	"github.com/MrWong99/vocaform/pkg/store"
	"github.com/MrWong99/vocaform/pkg/tool"
)

const (
	cancelNotice  = "The session has been cancelled. Goodbye."
	handoffNotice = "We could not deliver your information right now. Please contact support."
	skipNotice    = "Let's skip that one and move on."
	finalizeLimit = 10 * time.Second
)

// run drives the session until it ends and then records the outcome.
func (m *Machine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.mu.Lock()
	def, id := m.def, m.sessionID
	m.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("tool.id", def.ID),
	))
	defer span.End()
	ctx = observe.WithSessionID(ctx, id)

	attempt, err := m.collectAll(ctx, def)

	// Finalisation must not be cut short by the cancellation that ended the
	// session.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeLimit)
	defer cancel()

	switch {
	case err == nil:
		m.finish(fctx, StateCompleted, attempt, nil)
	case errors.Is(err, errStopped) || m.State() == StateCancelled:
		m.finishCancelled(fctx)
	default:
		span.RecordError(err)
		m.finish(fctx, StateError, nil, err)
	}
}

// collectAll speaks the introduction, collects every field and delivers the
// data. It returns errStopped when the session was cancelled.
func (m *Machine) collectAll(ctx context.Context, def *tool.Definition) (*handoff.Attempt, error) {
	if err := m.say(ctx, def.InitialPrompt); err != nil {
		return nil, err
	}
	for {
		m.mu.Lock()
		idx := m.progress.CurrentFieldIndex
		m.mu.Unlock()
		if idx >= len(def.Fields) {
			break
		}
		if !m.transition(StateActive) {
			return nil, errStopped
		}
		if err := m.collectField(ctx, idx, def.Fields[idx]); err != nil {
			return nil, err
		}
	}
	return m.complete(ctx, def)
}

// collectField asks for one field until it is accepted or given up.
func (m *Machine) collectField(ctx context.Context, idx int, field tool.FieldSpec) error {
	ctx, span := observe.StartSpan(ctx, "session.field", trace.WithAttributes(
		attribute.String("field.id", field.ID),
		attribute.String("field.type", string(field.Type)),
	))
	defer span.End()
	log := observe.Logger(ctx)

	prompt := normalize.Prompt(field)
	if err := m.say(ctx, prompt); err != nil {
		return err
	}
	hints := speech.Hints{Keywords: field.Options}

	for {
		tr, err := m.listen(ctx, hints)
		if err != nil {
			return err
		}
		m.record(ctx, store.SpeakerUser, tr.Text, tr.Confidence)
		if !m.transition(StateProcessing) {
			return errStopped
		}

		res := normalize.Normalize(field, tr.Text)
		attempts := m.countAttempt(field.ID)
		if m.cfg.Metrics != nil {
			codes := make([]string, len(res.Errors))
			for i, e := range res.Errors {
				codes[i] = string(e.Code)
			}
			m.cfg.Metrics.RecordFieldAttempt(ctx, string(field.Type), codes...)
		}

		if res.Valid {
			m.accept(idx, field, res.Value, EventFieldCompleted)
			if err := m.say(ctx, confirmation(field, res.Value)); err != nil {
				return err
			}
			return m.advance(ctx, idx)
		}

		msgs := normalize.Messages(res.Errors)
		m.reject(idx, field, msgs)
		log.Debug("session: answer rejected", "field", field.ID, "attempt", attempts, "errors", msgs)

		if limit := m.maxAttempts(field); limit > 0 && attempts >= limit {
			if field.Required {
				return fmt.Errorf("%w: field %q after %d attempts", ErrMaxAttemptsExceeded, field.ID, attempts)
			}
			m.accept(idx, field, "", EventFieldSkipped)
			if err := m.say(ctx, skipNotice); err != nil {
				return err
			}
			return m.advance(ctx, idx)
		}

		retry := fmt.Sprintf("Sorry. %s %s %s", strings.Join(msgs, " "), normalize.Describe(field), prompt)
		if err := m.say(ctx, retry); err != nil {
			return err
		}
	}
}

// listen captures one answer, sitting out pauses. A result that arrives
// after the session was paused is discarded and the field is asked again on
// resume.
func (m *Machine) listen(ctx context.Context, hints speech.Hints) (speech.Transcription, error) {
	for {
		m.mu.Lock()
		switch {
		case m.state.IsTerminal():
			m.mu.Unlock()
			return speech.Transcription{}, errStopped
		case m.state == StatePaused:
			resume := m.resumeCh
			m.mu.Unlock()
			m.checkpoint(ctx, store.Patch{State: store.Ptr(store.StatePaused)})
			select {
			case <-resume:
				m.checkpoint(ctx, store.Patch{State: store.Ptr(store.StateActive)})
				continue
			case <-ctx.Done():
				return speech.Transcription{}, errStopped
			}
		}
		m.setStateLocked(StateListening)
		turnCtx, cancel := context.WithCancel(ctx)
		m.turnCancel = cancel
		m.mu.Unlock()

		tr, err := m.cfg.Voice.Listen(turnCtx, hints)
		interrupted := turnCtx.Err() != nil
		cancel()

		m.mu.Lock()
		m.turnCancel = nil
		state := m.state
		m.mu.Unlock()

		switch {
		case state.IsTerminal() || ctx.Err() != nil:
			return speech.Transcription{}, errStopped
		case state == StatePaused || interrupted:
			// Paused mid-turn, possibly already resumed.
			continue
		case err != nil:
			return speech.Transcription{}, err
		}
		return tr, nil
	}
}

// say speaks text and records it in the transcript.
func (m *Machine) say(ctx context.Context, text string) error {
	if !m.transition(StateSpeaking) {
		return errStopped
	}
	m.record(ctx, store.SpeakerSystem, text, 0)
	if err := m.cfg.Voice.Speak(ctx, text); err != nil {
		if ctx.Err() != nil || m.State().IsTerminal() {
			return errStopped
		}
		return err
	}
	return nil
}

// complete speaks the conclusion and hands the data off.
func (m *Machine) complete(ctx context.Context, def *tool.Definition) (*handoff.Attempt, error) {
	if err := m.say(ctx, def.ConclusionPrompt); err != nil {
		return nil, err
	}
	if def.Handoff == nil || m.cfg.Handoff == nil {
		return nil, nil
	}

	m.mu.Lock()
	req := handoff.Request{SessionID: m.sessionID, Tool: def, FinalData: m.progress.clone().CollectedData}
	m.mu.Unlock()

	// A cancel during delivery does not abort the request; its result is
	// dropped instead.
	attempt, err := m.cfg.Handoff.Execute(context.WithoutCancel(ctx), req)
	if ctx.Err() != nil || m.State().IsTerminal() {
		return nil, errStopped
	}

	failed := false
	switch {
	case err != nil:
		failed = true
		observe.Logger(ctx).Error("session: handoff rejected", "err", err)
		m.warn(fmt.Sprintf("handoff not attempted: %v", err))
	default:
		m.emit(Event{Kind: EventHandoff, Handoff: attempt})
		failed = !attempt.Result.Success
		if failed {
			observe.Logger(ctx).Warn("session: handoff failed", "attempt", attempt.ID, "message", attempt.Result.Message)
		}
	}
	if failed {
		if err := m.say(ctx, handoffNotice); err != nil {
			return nil, err
		}
	}
	return attempt, nil
}

func (m *Machine) countAttempt(fieldID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Attempts[fieldID]++
	return m.progress.Attempts[fieldID]
}

func (m *Machine) maxAttempts(field tool.FieldSpec) int {
	if field.MaxAttempts > 0 {
		return field.MaxAttempts
	}
	return m.cfg.MaxAttempts
}

// accept stores value and marks the field completed.
func (m *Machine) accept(idx int, field tool.FieldSpec, value any, kind EventKind) {
	m.mu.Lock()
	m.progress.CollectedData[field.Name] = value
	if m.progress.FieldStatuses[field.ID] != store.FieldCompleted {
		m.progress.CompletedFields++
	}
	m.progress.FieldStatuses[field.ID] = store.FieldCompleted
	delete(m.progress.ValidationErrors, field.ID)
	m.mu.Unlock()
	m.emit(Event{Kind: kind, FieldID: field.ID, FieldIndex: idx, Value: value})
}

// reject marks the field as failed with msgs.
func (m *Machine) reject(idx int, field tool.FieldSpec, msgs []string) {
	m.mu.Lock()
	m.progress.FieldStatuses[field.ID] = store.FieldError
	m.progress.ValidationErrors[field.ID] = msgs
	m.mu.Unlock()
	m.emit(Event{Kind: EventFieldInvalid, FieldID: field.ID, FieldIndex: idx, Errors: msgs})
}

// advance persists progress, moves the cursor past idx and waits the field
// pause.
func (m *Machine) advance(ctx context.Context, idx int) error {
	m.mu.Lock()
	data := m.progress.clone()
	m.mu.Unlock()
	m.checkpoint(ctx, store.Patch{CollectedData: data.CollectedData, FieldStatuses: data.FieldStatuses})

	m.mu.Lock()
	if m.progress.CurrentFieldIndex == idx {
		m.progress.CurrentFieldIndex = idx + 1
	}
	m.mu.Unlock()
	if !m.transition(StateActive) {
		return errStopped
	}

	if m.cfg.FieldPause <= 0 {
		return nil
	}
	t := time.NewTimer(m.cfg.FieldPause)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errStopped
	}
}

// record appends a transcript line and publishes it.
func (m *Machine) record(ctx context.Context, speaker store.Speaker, text string, confidence float64) {
	entry := store.TranscriptEntry{Timestamp: m.cfg.Now(), Speaker: speaker, Text: text, Confidence: confidence}
	m.emit(Event{Kind: EventTranscript, Speaker: speaker, Text: text, Confidence: confidence})

	m.mu.Lock()
	id, persisted := m.sessionID, m.persisted
	m.mu.Unlock()
	if !persisted {
		return
	}
	if err := m.cfg.Store.AppendTranscript(ctx, id, entry); err != nil {
		observe.Logger(ctx).Warn("session: transcript not persisted", "err", err)
		m.warn(fmt.Sprintf("transcript not persisted: %v", err))
	}
}

// checkpoint writes p to the store. Failures become warnings.
func (m *Machine) checkpoint(ctx context.Context, p store.Patch) {
	m.mu.Lock()
	id, persisted := m.sessionID, m.persisted
	m.mu.Unlock()
	if !persisted {
		return
	}
	if _, err := m.cfg.Store.Update(ctx, id, p); err != nil {
		observe.Logger(ctx).Warn("session: checkpoint failed", "err", err)
		m.warn(fmt.Sprintf("progress not persisted: %v", err))
	}
}

// finish records a completed or failed session.
func (m *Machine) finish(ctx context.Context, to State, attempt *handoff.Attempt, cause error) {
	m.mu.Lock()
	if !m.setStateLocked(to) {
		m.mu.Unlock()
		m.finishCancelled(ctx)
		return
	}
	m.outcome.State = to
	m.outcome.CollectedData = m.progress.clone().CollectedData
	m.outcome.Handoff = attempt
	m.outcome.Err = cause
	data := m.progress.clone()
	toolID := m.def.ID
	m.mu.Unlock()

	p := store.Patch{
		State:         store.Ptr(to.persisted()),
		CollectedData: data.CollectedData,
		FieldStatuses: data.FieldStatuses,
		EndTime:       store.Ptr(m.cfg.Now()),
	}
	if attempt != nil && attempt.ID != "" {
		p.HandoffAttemptID = store.Ptr(attempt.ID)
	}
	if cause != nil {
		p.Error = store.Ptr(cause.Error())
	}
	m.checkpoint(ctx, p)

	log := observe.Logger(ctx)
	if cause != nil {
		log.Error("session: ended with error", "err", cause)
	} else {
		log.Info("session: completed", "fields", data.CompletedFields)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSessionEnd(ctx, toolID, string(to))
	}
}

// finishCancelled persists the cancellation, says goodbye and clears the
// in-memory progress.
func (m *Machine) finishCancelled(ctx context.Context) {
	m.checkpoint(ctx, store.Patch{
		State:   store.Ptr(store.StateCancelled),
		EndTime: store.Ptr(m.cfg.Now()),
	})
	m.record(ctx, store.SpeakerSystem, cancelNotice, 0)
	if err := m.cfg.Voice.Speak(ctx, cancelNotice); err != nil {
		observe.Logger(ctx).Warn("session: cancellation notice not spoken", "err", err)
	}

	m.mu.Lock()
	m.outcome.State = StateCancelled
	m.outcome.CollectedData = nil
	m.progress = Progress{}
	toolID := m.def.ID
	m.mu.Unlock()

	observe.Logger(ctx).Info("session: cancelled")
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordSessionEnd(ctx, toolID, string(StateCancelled))
	}
}

func confirmation(field tool.FieldSpec, value any) string {
	s := normalize.ValueString(value)
	if s == "" {
		return "Okay, no " + strings.ToLower(field.Name) + "."
	}
	return fmt.Sprintf("Got it, %s.", s)
}
