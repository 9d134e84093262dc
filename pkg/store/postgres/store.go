package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocaform/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL-backed session store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create implements [store.Store].
func (s *Store) Create(ctx context.Context, d store.Draft) (*store.VoiceSession, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	sess := d.New(id)

	data, statuses, err := encodeMaps(sess)
	if err != nil {
		return nil, persistErr("create", err)
	}

	const q = `
		INSERT INTO voice_sessions
		    (id, tool_id, state, collected_data, field_statuses, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q, sess.ID, sess.ToolID, string(sess.State), data, statuses, sess.StartTime); err != nil {
		return nil, persistErr("create", err)
	}
	return sess, nil
}

// Update implements [store.Store]. The row is locked for the duration of the
// read-modify-write.
func (s *Store) Update(ctx context.Context, id string, p store.Patch) (*store.VoiceSession, error) {
	var out *store.VoiceSession
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := getSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		p.Apply(sess)

		data, statuses, err := encodeMaps(sess)
		if err != nil {
			return err
		}
		const q = `
			UPDATE voice_sessions
			SET    state = $2, collected_data = $3, field_statuses = $4,
			       end_time = $5, handoff_attempt_id = $6, error = $7
			WHERE  id = $1`
		if _, err := tx.Exec(ctx, q, id, string(sess.State), data, statuses, sess.EndTime, sess.HandoffAttemptID, sess.Error); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("postgres store: update %q: %w", id, err)
		}
		return nil, persistErr("update", err)
	}
	return out, nil
}

// AppendTranscript implements [store.Store].
func (s *Store) AppendTranscript(ctx context.Context, id string, e store.TranscriptEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	const q = `
		INSERT INTO voice_transcript_entries (session_id, timestamp, speaker, text, confidence)
		SELECT $1, $2, $3, $4, $5
		WHERE  EXISTS (SELECT 1 FROM voice_sessions WHERE id = $1)`
	tag, err := s.pool.Exec(ctx, q, id, ts, string(e.Speaker), e.Text, e.Confidence)
	if err != nil {
		return persistErr("append transcript", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: append transcript %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// Get implements [store.Store].
func (s *Store) Get(ctx context.Context, id string) (*store.VoiceSession, error) {
	sess, err := getSession(ctx, s.pool, id, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("postgres store: get %q: %w", id, err)
		}
		return nil, persistErr("get", err)
	}

	const q = `
		SELECT timestamp, speaker, text, confidence
		FROM   voice_transcript_entries
		WHERE  session_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, persistErr("get transcript", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TranscriptEntry, error) {
		var (
			e       store.TranscriptEntry
			speaker string
		)
		if err := row.Scan(&e.Timestamp, &speaker, &e.Text, &e.Confidence); err != nil {
			return e, err
		}
		e.Speaker = store.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, persistErr("scan transcript", err)
	}
	sess.Transcript = entries
	return sess, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSession(ctx context.Context, q querier, id string, forUpdate bool) (*store.VoiceSession, error) {
	sql := `
		SELECT id, tool_id, state, collected_data, field_statuses, start_time,
		       end_time, handoff_attempt_id, error
		FROM   voice_sessions
		WHERE  id = $1`
	if forUpdate {
		sql += "\nFOR UPDATE"
	}

	var (
		sess           store.VoiceSession
		state          string
		data, statuses []byte
	)
	err := q.QueryRow(ctx, sql, id).Scan(
		&sess.ID, &sess.ToolID, &state, &data, &statuses, &sess.StartTime,
		&sess.EndTime, &sess.HandoffAttemptID, &sess.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.State = store.State(state)
	if err := json.Unmarshal(data, &sess.CollectedData); err != nil {
		return nil, fmt.Errorf("decode collected_data: %w", err)
	}
	if err := json.Unmarshal(statuses, &sess.FieldStatuses); err != nil {
		return nil, fmt.Errorf("decode field_statuses: %w", err)
	}
	return &sess, nil
}

func encodeMaps(sess *store.VoiceSession) (data, statuses string, err error) {
	d, err := json.Marshal(sess.CollectedData)
	if err != nil {
		return "", "", fmt.Errorf("encode collected_data: %w", err)
	}
	st, err := json.Marshal(sess.FieldStatuses)
	if err != nil {
		return "", "", fmt.Errorf("encode field_statuses: %w", err)
	}
	return string(d), string(st), nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: postgres store: %s: %w", store.ErrPersistence, op, err)
}
