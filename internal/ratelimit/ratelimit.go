// Package ratelimit provides the per-client request counters used by echo's
// RateLimiter middleware. Counters live in memory unless a Redis URL is
// configured, in which case every replica shares them.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"miniproxy-go/internal/config"
)

const (
	keyPrefix = "miniproxy:ratelimit:"
	opTimeout = 500 * time.Millisecond
)

// NewStore returns the store selected by cfg.Server.RateLimit. The returned
// close function releases the Redis connection pool and is a no-op for the
// memory store.
func NewStore(cfg *config.Config, logger *slog.Logger) (echomw.RateLimiterStore, func() error, error) {
	rl := cfg.Server.RateLimit
	if rl.RedisURL == "" {
		store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rl.RequestsPerSecond),
			Burst:     rl.Burst,
			ExpiresIn: 3 * time.Minute,
		})
		return store, func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(rl.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	store := NewRedisStore(redis.NewClient(opts), limitFor(rl), time.Duration(rl.WindowSeconds)*time.Second, logger)
	return store, store.Close, nil
}

// limitFor converts the configured rate into a per-window budget.
func limitFor(rl config.RateLimitConfig) int64 {
	n := int64(math.Ceil(rl.RequestsPerSecond * float64(rl.WindowSeconds)))
	return max(n, 1)
}

// RedisStore is a fixed-window counter shared through Redis.
type RedisStore struct {
	client *redis.Client
	limit  int64
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore creates a RedisStore that allows limit requests per
// identifier in every window.
func NewRedisStore(client *redis.Client, limit int64, window time.Duration, logger *slog.Logger) *RedisStore {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisStore{
		client: client,
		limit:  limit,
		window: window,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// Allow implements echomw.RateLimiterStore. Redis errors deny the request.
func (s *RedisStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := s.key(identifier)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("rate limit counter", "err", err)
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= s.limit, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(identifier string) string {
	window := s.now().UnixNano() / int64(s.window)
	return keyPrefix + identifier + ":" + strconv.FormatInt(window, 10)
}
