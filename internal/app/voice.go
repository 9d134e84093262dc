package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vocaform/internal/config"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/internal/session"
	"github.com/MrWong99/vocaform/internal/speech"
	"github.com/MrWong99/vocaform/internal/voicews"
	"github.com/MrWong99/vocaform/pkg/provider/tts"
)

// cancelTimeout bounds how long a dropped connection waits for its session
// to wind down.
const cancelTimeout = 10 * time.Second

// serveVoice runs one form session over a WebSocket. The tool is selected
// with the "tool" query parameter. The connection is closed once the
// session has ended; a client that goes away cancels its session.
func (a *App) serveVoice(w http.ResponseWriter, r *http.Request) {
	toolID := r.URL.Query().Get("tool")
	def, ok := a.catalogue.Get(toolID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}

	ctx := r.Context()
	log := observe.Logger(ctx).With("tool", toolID)

	conn, err := voicews.Accept(ctx, w, r, a.acceptOptions())
	if err != nil {
		log.Warn("app: voice upgrade failed", "err", err)
		return
	}

	events := make(chan session.Event, 64)
	m, err := a.sessions.Start(ctx, def, a.newVoice(conn), events)
	if err != nil {
		log.Warn("app: start session", "err", err)
		code, reason := websocket.StatusInternalError, "session failed to start"
		if errors.Is(err, ErrTooManySessions) {
			code, reason = websocket.StatusTryAgainLater, "too many active sessions"
		}
		_ = conn.CloseStatus(code, reason)
		return
	}
	log = log.With("session_id", m.SessionID())

	connDone := conn.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := conn.Close(); err != nil {
					log.Debug("app: voice close", "err", err)
				}
				return
			}
			if connDone == nil {
				continue
			}
			if err := conn.SendEvent(ctx, callerView(ev)); err != nil {
				log.Debug("app: voice event not delivered", "kind", ev.Kind, "err", err)
			}

		case cmd := <-conn.Commands():
			var err error
			switch cmd {
			case voicews.CommandPause:
				err = m.Pause()
			case voicews.CommandResume:
				err = m.Resume()
			case voicews.CommandCancel:
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
				err = m.Cancel(cctx)
				cancel()
			}
			if err != nil {
				log.Info("app: voice command rejected", "command", cmd, "err", err)
			}

		case <-connDone:
			// Keep draining events until the session winds down.
			connDone = nil
			log.Info("app: voice client disconnected", "err", conn.Err())
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			if err := m.Cancel(cctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
				log.Warn("app: cancel abandoned session", "err", err)
			}
			cancel()
		}
	}
}

// handoffNotice is all the caller learns about the delivery of their data.
type handoffNotice struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SubmissionID string `json:"submissionId,omitempty"`
}

// callerEvent shadows the full handoff attempt of a session event.
type callerEvent struct {
	session.Event
	Handoff *handoffNotice `json:"handoff,omitempty"`
}

// callerView strips ev down to what the person being interviewed may see.
func callerView(ev session.Event) callerEvent {
	out := callerEvent{Event: ev}
	out.Event.Handoff = nil
	if a := ev.Handoff; a != nil {
		out.Handoff = &handoffNotice{
			Success:      a.Result.Success,
			Message:      a.Result.Message,
			SubmissionID: a.Result.SubmissionID,
		}
	}
	return out
}

// newVoice returns the speech front end for conn according to the
// configured speech mode.
func (a *App) newVoice(conn *voicews.Conn) speech.Voice {
	if a.cfg.Speech.Mode != config.SpeechPCM {
		return voicews.NewRemote(conn)
	}
	sc := a.cfg.Speech
	opts := []speech.Option{speech.WithMetrics(a.metrics)}
	if a.providers.VAD != nil {
		opts = append(opts, speech.WithVAD(a.providers.VAD))
	}
	return speech.NewEngine(a.providers.STT, a.providers.TTS, conn, conn, speech.Config{
		SampleRate:   sc.SampleRate,
		PlaybackRate: sc.PlaybackRate,
		Language:     sc.Language,
		Voice:        tts.VoiceProfile{ID: sc.Voice},
		Recorder: speech.RecorderConfig{
			SilenceThreshold: sc.SilenceThreshold,
			SilenceDuration:  sc.SilenceDuration,
			MaxDuration:      sc.MaxDuration,
		},
	}, opts...)
}
