// Package redis provides a Redis-backed [store.Store].
//
// Each session is a single JSON document under "<prefix>session:<id>" with a
// sliding TTL. Updates use WATCH/MULTI so concurrent writers never lose each
// other's patches; a conflicting transaction is retried a few times before
// giving up.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/vocaform/pkg/store"
)

const (
	// DefaultTTL is used when no TTL is configured.
	DefaultTTL = 24 * time.Hour

	// DefaultPrefix namespaces all keys written by the store.
	DefaultPrefix = "vocaform:"

	maxTxRetries = 5
)

var _ store.Store = (*Store)(nil)

// Store is a Redis-backed session store.
type Store struct {
	client goredis.UniversalClient
	ttl    time.Duration
	prefix string
}

// Option configures a [Store].
type Option func(*Store)

// WithTTL sets the expiry applied on every write and refreshed on read.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPrefix overrides [DefaultPrefix].
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New returns a Store using client. The caller owns the client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, ttl: DefaultTTL, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(id string) string {
	return s.prefix + "session:" + id
}

// Create implements [store.Store]. It fails if a session with the same ID
// already exists.
func (s *Store) Create(ctx context.Context, d store.Draft) (*store.VoiceSession, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	sess := d.New(id)

	val, err := json.Marshal(sess)
	if err != nil {
		return nil, persistErr("create", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(id), val, s.ttl).Result()
	if err != nil {
		return nil, persistErr("create", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: redis store: session %q already exists", store.ErrPersistence, id)
	}
	return sess, nil
}

// Get implements [store.Store]. Reading refreshes the TTL.
func (s *Store) Get(ctx context.Context, id string) (*store.VoiceSession, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis store: get %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get", err)
	}
	var sess store.VoiceSession
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, persistErr("decode", err)
	}
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return &sess, nil
}

// Update implements [store.Store].
func (s *Store) Update(ctx context.Context, id string, p store.Patch) (*store.VoiceSession, error) {
	var out *store.VoiceSession
	err := s.modify(ctx, id, func(sess *store.VoiceSession) {
		p.Apply(sess)
		out = sess
	})
	if err != nil {
		return nil, s.wrap("update", id, err)
	}
	return out, nil
}

// AppendTranscript implements [store.Store].
func (s *Store) AppendTranscript(ctx context.Context, id string, e store.TranscriptEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	err := s.modify(ctx, id, func(sess *store.VoiceSession) {
		sess.Transcript = append(sess.Transcript, e)
	})
	if err != nil {
		return s.wrap("append transcript", id, err)
	}
	return nil
}

// modify runs a WATCH/GET/MULTI/SET cycle, retrying on optimistic-lock
// conflicts.
func (s *Store) modify(ctx context.Context, id string, fn func(*store.VoiceSession)) error {
	key := s.key(id)
	txf := func(tx *goredis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess store.VoiceSession
		if err := json.Unmarshal(val, &sess); err != nil {
			return err
		}
		fn(&sess)
		newVal, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("optimistic lock failed after %d attempts", maxTxRetries)
}

func (s *Store) wrap(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("redis store: %s %q: %w", op, id, err)
	}
	return persistErr(op, err)
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: redis store: %s: %w", store.ErrPersistence, op, err)
}
