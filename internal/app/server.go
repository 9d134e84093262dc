package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/vocaform/internal/handoff"
	"github.com/MrWong99/vocaform/internal/health"
	"github.com/MrWong99/vocaform/internal/mapping"
	"github.com/MrWong99/vocaform/internal/observe"
	"github.com/MrWong99/vocaform/pkg/store"
)

// routes builds the operator API. Every route runs through the tracing and
// metrics middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	var checks []health.Checker
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.Ping("store", p, true))
	}
	if p, ok := a.history.(health.Pinger); ok {
		checks = append(checks, health.Ping("handoff_history", p, false))
	}
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.Handle("GET /events", a.hub)
	mux.HandleFunc("GET /voice", a.serveVoice)

	mux.HandleFunc("GET /tools", a.listTools)
	mux.HandleFunc("GET /tools/{id}", a.getTool)
	mux.HandleFunc("POST /tools/{id}/mappings", a.suggestMappings)

	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", a.cancelSession)

	mux.HandleFunc("GET /handoffs", a.listHandoffs)
	mux.HandleFunc("GET /handoffs/stats", a.handoffStats)
	mux.HandleFunc("GET /handoffs/{id}", a.getHandoff)
	mux.HandleFunc("POST /handoffs/{id}/retry", a.retryHandoff)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.catalogue.List())
}

func (a *App) getTool(w http.ResponseWriter, r *http.Request) {
	def, ok := a.catalogue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}
	writeJSON(w, http.StatusOK, def.Redacted())
}

// suggestMappings proposes handoff field mappings from the tool's fields
// onto the target field names posted by the caller.
func (a *App) suggestMappings(w http.ResponseWriter, r *http.Request) {
	def, ok := a.catalogue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}
	var req struct {
		Targets []string `json:"targets"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	source := make([]string, len(def.Fields))
	for i, f := range def.Fields {
		source[i] = f.Name
	}
	writeJSON(w, http.StatusOK, mapping.GenerateFieldMappings(source, req.Targets))
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

// getSession returns the persisted record, which also covers sessions that
// have already finished.
func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		observe.Logger(r.Context()).Error("app: get session", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, s)
	}
}

func (a *App) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.sessions.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not running")
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) listHandoffs(w http.ResponseWriter, r *http.Request) {
	attempts, err := a.handoff.History().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (a *App) handoffStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.handoff.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) getHandoff(w http.ResponseWriter, r *http.Request) {
	at, err := a.handoff.History().Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, handoff.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, "attempt not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, at)
	}
}

// retryHandoff replays an attempt. A delivery that fails again is still a
// successful retry request; the new attempt carries the failure.
func (a *App) retryHandoff(w http.ResponseWriter, r *http.Request) {
	at, err := a.handoff.Retry(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, handoff.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, "attempt not found")
	case errors.Is(err, handoff.ErrInvalidConfig):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, at)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("app: encode response", "err", err)
	}
}
