// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Sessions are kept in voice_sessions with collected data and field statuses
// as JSONB columns; transcript lines go to voice_transcript_entries. All
// operations share a single [pgxpool.Pool].
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	sess, _ := s.Create(ctx, store.Draft{ToolID: "intake"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id                  TEXT         PRIMARY KEY,
    tool_id             TEXT         NOT NULL,
    state               TEXT         NOT NULL,
    collected_data      JSONB        NOT NULL DEFAULT '{}',
    field_statuses      JSONB        NOT NULL DEFAULT '{}',
    start_time          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    end_time            TIMESTAMPTZ,
    handoff_attempt_id  TEXT         NOT NULL DEFAULT '',
    error               TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_tool_id
    ON voice_sessions (tool_id);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_state
    ON voice_sessions (state);
`

const ddlTranscript = `
CREATE TABLE IF NOT EXISTS voice_transcript_entries (
    id          BIGSERIAL         PRIMARY KEY,
    session_id  TEXT              NOT NULL REFERENCES voice_sessions (id) ON DELETE CASCADE,
    timestamp   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    speaker     TEXT              NOT NULL,
    text        TEXT              NOT NULL,
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_voice_transcript_session
    ON voice_transcript_entries (session_id, id);
`

// Migrate creates the tables and indexes if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTranscript} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
