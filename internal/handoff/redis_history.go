package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisHistory stores attempts in Redis so that the session process and the
// operator server see the same history. Attempt documents live in a hash
// keyed by ID; a list preserves insertion order. Both are written in one
// MULTI block.
type RedisHistory struct {
	client redis.UniversalClient
	prefix string
}

var _ History = (*RedisHistory)(nil)

// storedAttempt is the persisted form of an [Attempt]. Unlike the public
// encoding it keeps credentials so that Retry can replay the delivery.
type storedAttempt Attempt

// NewRedisHistory returns a history using client. Keys are namespaced by
// prefix ("vocaform:" when empty).
func NewRedisHistory(client redis.UniversalClient, prefix string) *RedisHistory {
	if prefix == "" {
		prefix = "vocaform:"
	}
	return &RedisHistory{client: client, prefix: prefix}
}

func (h *RedisHistory) hashKey() string  { return h.prefix + "handoff:attempts" }
func (h *RedisHistory) orderKey() string { return h.prefix + "handoff:order" }

// Append implements [History].
func (h *RedisHistory) Append(ctx context.Context, a *Attempt) error {
	doc, err := json.Marshal((*storedAttempt)(a))
	if err != nil {
		return fmt.Errorf("handoff history: encode %s: %w", a.ID, err)
	}
	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, h.hashKey(), a.ID, doc)
		pipe.RPush(ctx, h.orderKey(), a.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("handoff history: append %s: %w", a.ID, err)
	}
	return nil
}

// Get implements [History].
func (h *RedisHistory) Get(ctx context.Context, id string) (*Attempt, error) {
	doc, err := h.client.HGet(ctx, h.hashKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("handoff history: get %s: %w", id, err)
	}
	var a storedAttempt
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("handoff history: decode %s: %w", id, err)
	}
	return (*Attempt)(&a), nil
}

// List implements [History].
func (h *RedisHistory) List(ctx context.Context) ([]*Attempt, error) {
	ids, err := h.client.LRange(ctx, h.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("handoff history: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := h.client.HMGet(ctx, h.hashKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("handoff history: list: %w", err)
	}
	out := make([]*Attempt, 0, len(docs))
	for i, d := range docs {
		s, ok := d.(string)
		if !ok {
			continue
		}
		var a storedAttempt
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("handoff history: decode %s: %w", ids[i], err)
		}
		out = append(out, (*Attempt)(&a))
	}
	return out, nil
}

// Ping checks connectivity.
func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
