package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy is the attempt budget for one action within a fixed window.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// Limiter enforces per-(action, IP) fixed-window rate limits using Redis
// counters.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "prl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Limiter) key(action, ip string) string {
	return l.prefix + ":" + action + ":" + ip
}

// Check reports whether the (action, IP) pair is still within its attempt
// budget. Returns ErrRateLimited once the counter has reached the threshold.
func (l *Limiter) Check(ctx context.Context, action, ip string, policy Policy) error {
	if l == nil || policy.MaxAttempts <= 0 {
		return nil
	}

	count, err := l.redis.Get(ctx, l.key(action, ip)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count >= int64(policy.MaxAttempts) {
		return ErrRateLimited
	}

	return nil
}

// Increment records one attempt for the (action, IP) pair. The counter
// expires with the policy window; the TTL is set only for the first hit in
// the window (fixed-window semantics).
func (l *Limiter) Increment(ctx context.Context, action, ip string, policy Policy) error {
	if l == nil || policy.MaxAttempts <= 0 {
		return nil
	}

	count, err := l.redis.Incr(ctx, l.key(action, ip)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(action, ip), policy.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return nil
}

// Reset clears the counter for the (action, IP) pair.
func (l *Limiter) Reset(ctx context.Context, action, ip string) error {
	if l == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(action, ip)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the current counter for the (action, IP) pair. Missing
// keys return zero.
func (l *Limiter) Attempts(ctx context.Context, action, ip string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(action, ip)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}
