// Package kv defines the KV Store Client contract (spec.md §4.8) and a
// Redis-backed implementation. Sessions, challenges, rate counters, and the
// hot suspicious-IP registry all live here; the process never caches
// mutable state beyond the life of a single request (§3 Ownership).
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get/GetJSON when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the KV Store Client contract required by every component that
// touches session, challenge, token, or rate-limit state.
type Store interface {
	// SetJSON marshals v and stores it at key with the given TTL.
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	// GetJSON unmarshals the value at key into dst. Returns ErrNotFound if
	// key does not exist.
	GetJSON(ctx context.Context, key string, dst any) error
	// Del deletes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// TTL returns the remaining time-to-live for key, or 0 if it has none
	// or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Incr atomically increments the integer at key by 1 and returns the
	// new value. If this is the first write, ttl is applied.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// RedisStore implements Store over a Redis client. It tolerates cluster
// redirects because it only ever issues single-key commands or pipelines
// of commands on the same key, which go-redis routes correctly even
// against redis.ClusterClient (passed in via the same interface).
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps any redis.UniversalClient (*redis.Client or
// *redis.ClusterClient) as a Store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, b, ttl).Err()
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dst any) error {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(b, dst)
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Incr increments key, setting ttl only on the first write of the window
// (first-write-wins, per spec.md §4.2 step 3). The INCR runs in a pipeline
// of its own; the EXPIRE is a separate follow-up command, sent only when the
// incremented value is 1.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	val := incr.Val()
	if val == 1 && ttl > 0 {
		// Best-effort; a failure here just means the key keeps Redis's
		// default (no expiry), which self-heals on the next window.
		s.rdb.Expire(ctx, key, ttl)
	}
	return val, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
