package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares counters across replicas.
type RedisLimiter struct {
	redis redis.UniversalClient
	cfg   Config
}

// NewRedisLimiter creates a limiter backed by the given client. The client is owned by the caller.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{redis: client, cfg: cfg.normalized()}
}

// Check reads the current counter.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{Allowed: true}, nil
	}
	k := l.key(key)

	count, err := l.redis.Get(ctx, k).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return l.decide(ctx, k, count)
}

// Record increments the counter, starting the window on the first hit.
func (l *RedisLimiter) Record(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{Allowed: true}, nil
	}
	k := l.key(key)

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, k, l.cfg.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return l.decide(ctx, k, count)
}

// Reset deletes the counters for keys.
func (l *RedisLimiter) Reset(ctx context.Context, keys ...string) error {
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			full = append(full, l.key(k))
		}
	}
	if len(full) == 0 {
		return nil
	}
	if err := l.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *RedisLimiter) decide(ctx context.Context, k string, count int64) (Decision, error) {
	if count < int64(l.cfg.MaxAttempts) {
		return Decision{Allowed: true, Count: count}, nil
	}

	ttl, err := l.redis.PTTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl <= 0 {
		// Key without expiry (lost Expire) or already gone: fall back to a full window.
		ttl = l.cfg.Window
	}
	return Decision{Allowed: false, Count: count, RetryAfter: ttl.Round(time.Second)}, nil
}

func (l *RedisLimiter) key(k string) string {
	return l.cfg.Prefix + ":" + k
}
