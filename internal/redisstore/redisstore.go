// Package redisstore wraps the Redis client used by the rate limiter. The
// connection is established lazily on first use with a bounded retry so a
// slow-starting Redis does not block process boot.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a lazily connected Redis key/value store.
type Store struct {
	url           string
	retryAttempts int
	retryDelay    time.Duration

	mu     sync.Mutex
	client *redis.Client
}

// New creates a Store. No connection is made until the first operation.
func New(url string, retryAttempts int, retryDelay time.Duration) *Store {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Store{
		url:           url,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// connect dials Redis, retrying up to the configured attempts.
func (s *Store) connect(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	opts, err := redis.ParseURL(s.url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			lastErr = err
			client.Close()
			slog.Warn("redis connect failed", "attempt", attempt, "err", err)
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		s.client = client
		slog.Info("redis connected", "attempts", attempt)
		return client, nil
	}
	return nil, fmt.Errorf("connecting to redis after %d attempts: %w", s.retryAttempts, lastErr)
}

// Get returns the value at key, or ("", false, nil) when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return "", false, err
	}
	val, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes the value at key with the given TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, value, ttl).Err()
}

// Ping verifies the connection, dialing if needed.
func (s *Store) Ping(ctx context.Context) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Close releases the underlying client if one was created.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
