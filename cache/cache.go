// Package cache provides the shared Redis key-value store used by the research
// core for search-result caching, the query-embedding index, one-shot counters,
// and the queue broker backing.
//
// Cache operations never propagate connection failures to callers: Get returns
// a miss, Set becomes a no-op, and a warning is logged. Callers are expected to
// proceed without the cache when it is unavailable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"briefcast.org/common"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache: miss")

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps a Redis client with JSON encoding and fail-open semantics.
type Store struct {
	client *redis.Client
	log    *logrus.Logger
}

// New creates a Store and verifies connectivity. Up to 3 reconnect attempts
// with exponential backoff capped at 2s; the offline command queue is disabled
// so callers fail fast and proceed without the cache.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, log: common.Logger}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests with miniredis.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, log: common.Logger}
}

// Client exposes the underlying Redis client for subsystems that need raw
// commands (the queue broker).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// HashKey produces a stable short hex digest of s for fingerprinting.
func HashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// Set stores value under key as JSON with the given TTL in seconds.
// A TTL of 0 means no expiration. Connection failures are swallowed.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache set failed, continuing without cache")
		return nil
	}
	return nil
}

// Get reads key into dest. Returns ErrMiss when the key is absent, and also on
// connection failure so callers treat an unavailable cache as a miss.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache get failed, treating as miss")
		return ErrMiss
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal value for %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.log.WithError(err).Warn("cache delete failed")
		return nil
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache exists failed")
		return false, nil
	}
	return n > 0, nil
}

// TTL returns the remaining TTL for key, or a negative duration when the key
// has no expiration or does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// IncrBy atomically increments the integer stored at key. Used for cache-hit
// metadata counters and the monthly one-shot analytics counter.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache incr failed")
		return 0, err
	}
	return n, nil
}

// Expire sets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttlSeconds int) error {
	return s.client.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Err()
}

// DeletePattern removes all keys matching pattern using a streamed SCAN, so
// large keyspaces are never blocked by a single KEYS call. Returns the number
// of keys removed.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()

	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		s.log.WithError(err).WithField("pattern", pattern).Warn("cache pattern scan failed")
		return deleted, nil
	}
	if len(batch) > 0 {
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}

	return deleted, nil
}
