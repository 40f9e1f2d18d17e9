// Package ratelimit provides the per-user offer throttle. The limiter is
// injected wherever throttling applies; there is no process-global state, so
// multiple instances of the service share one window through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a user may perform another rate-limited action in
// the current window.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// RedisLimiter is a fixed-window counter: INCR on a per-user key, EXPIRE on
// first increment. Coarser than a token bucket but atomic without scripting.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("%s:%s", l.prefix, userID)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= l.limit, nil
}

// Unlimited allows everything. Used when Redis is not configured and in
// tests.
type Unlimited struct{}

func (Unlimited) Allow(ctx context.Context, userID string) (bool, error) { return true, nil }
