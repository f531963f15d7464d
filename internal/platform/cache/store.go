package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss reports that the key is not present in the shared tier.
var ErrMiss = errors.New("cache: miss")

// Store is the shared (tier-2) cache contract. Implementations are treated as
// best-effort: callers degrade every error to a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, keys ...string) error
	RemoveByPattern(ctx context.Context, pattern string) error
}

const scanBatch = 100

// RedisStore implements Store on top of go-redis. All keys are namespaced with
// the configured prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps the client. An empty prefix disables namespacing.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the raw payload or ErrMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, ErrMiss
	}
	payload, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return payload, nil
}

// Set stores the payload with the ttl. A non-positive ttl is rejected so
// nothing is ever written without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	if ttl <= 0 {
		return fmt.Errorf("cache: set %s: ttl must be positive", key)
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes the keys. Missing keys are not an error.
func (s *RedisStore) Remove(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: remove: %w", err)
	}
	return nil
}

// RemoveByPattern deletes every key matching the Redis glob pattern using
// incremental SCAN so large keyspaces are not blocked.
func (s *RedisStore) RemoveByPattern(ctx context.Context, pattern string) error {
	if s == nil || s.client == nil {
		return nil
	}
	iter := s.client.Scan(ctx, 0, s.key(pattern), scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache: remove pattern %s: %w", pattern, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache: remove pattern %s: %w", pattern, err)
		}
	}
	return nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// NopStore is a Store that never holds anything; used when Redis is disabled.
type NopStore struct{}

func (NopStore) Get(context.Context, string) ([]byte, error)              { return nil, ErrMiss }
func (NopStore) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopStore) Remove(context.Context, ...string) error                  { return nil }
func (NopStore) RemoveByPattern(context.Context, string) error            { return nil }

var (
	_ Store = (*RedisStore)(nil)
	_ Store = NopStore{}
)
