package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter backed by a shared Redis instance,
// so multiple gateway processes enforce one combined limit per key. Counter
// keys are per key per minute window and expire shortly after the window.
type RedisLimiter struct {
	client *redis.Client
	burst  int

	now func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter and verifies connectivity.
func NewRedisLimiter(addr string, db int, burst int) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{client: client, burst: burst, now: time.Now}, nil
}

// Admit implements Limiter. Redis INCR serializes concurrent admits for the
// same key; distinct keys live under distinct counter keys.
func (l *RedisLimiter) Admit(ctx context.Context, keyID string, limitPerMinute int) (*Result, error) {
	now := l.now()
	start := windowStart(now)
	reset := start.Add(windowSeconds * time.Second)
	effective := limitPerMinute + l.burst

	counterKey := fmt.Sprintf("ratelimit:%s:%d", keyID, start.Unix())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, counterKey)
	// Keep the counter a little past the window so late arrivals still see it.
	pipe.Expire(ctx, counterKey, (windowSeconds+30)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(incr.Val())
	if count > effective {
		return throttled(limitPerMinute, reset, now)
	}

	return &Result{
		Limit:     limitPerMinute,
		Remaining: effective - count,
		Reset:     reset,
	}, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
