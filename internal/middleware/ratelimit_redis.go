package middleware

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitStore is a fixed-window RateLimitStore shared by every API
// instance. Redis failures fail open.
type RedisRateLimitStore struct {
	client  redis.Cmdable
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed store. metrics may be nil.
func NewRedisRateLimitStore(client redis.Cmdable, metrics *Metrics, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{
		client:  client,
		prefix:  "ratelimit:",
		metrics: metrics,
		logger:  logger,
	}
}

// Allow implements RateLimitStore with INCR plus EXPIRE on the first hit of
// a window.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	k := s.prefix + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		s.failOpen(ctx, "incr", err)
		return true, 0
	}
	if count == 1 {
		if err := s.client.Expire(ctx, k, config.WindowDuration).Err(); err != nil {
			s.failOpen(ctx, "expire", err)
			return true, 0
		}
	}
	if count <= int64(config.RequestsPerWindow) {
		return true, 0
	}

	ttl, err := s.client.TTL(ctx, k).Result()
	if err != nil {
		s.failOpen(ctx, "ttl", err)
		return true, 0
	}
	if ttl < 0 {
		// The key lost its expiry; start a fresh window on the next hit.
		_ = s.client.Expire(ctx, k, config.WindowDuration).Err()
		ttl = config.WindowDuration
	}
	return false, retrySeconds(ttl)
}

func (s *RedisRateLimitStore) failOpen(ctx context.Context, op string, err error) {
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
	s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request", "op", op, "error", err)
}
