package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/punchsync/internal/platform/cache"
	"github.com/odyssey-erp/punchsync/internal/shared"
)

// RunStore keeps the latest run summary per module.
type RunStore interface {
	SaveLast(ctx context.Context, s Summary) error
	Last(ctx context.Context, module string) (Summary, error)
}

// RedisRunStore stores summaries in redis.
type RedisRunStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisRunStore constructs a RedisRunStore. A zero ttl keeps summaries
// until overwritten.
func NewRedisRunStore(client redis.Cmdable, ttl time.Duration) *RedisRunStore {
	return &RedisRunStore{client: client, ttl: ttl}
}

// SaveLast replaces the latest summary of s.Module.
func (r *RedisRunStore) SaveLast(ctx context.Context, s Summary) error {
	if err := cache.SetJSON(ctx, r.client, shared.LastRunKey(s.Module), s, r.ttl); err != nil {
		return fmt.Errorf("syncer: save last run: %w", err)
	}
	return nil
}

// Last returns the latest summary or shared.ErrNotFound.
func (r *RedisRunStore) Last(ctx context.Context, module string) (Summary, error) {
	var s Summary
	err := cache.GetJSON(ctx, r.client, shared.LastRunKey(module), &s)
	if errors.Is(err, cache.ErrMiss) {
		return Summary{}, shared.ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("syncer: load last run: %w", err)
	}
	return s, nil
}
