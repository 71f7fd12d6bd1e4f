// Package ratelimit enforces fixed-window counters keyed by
// (action, identifier) in Redis, so horizontally scaled workers observe a
// single consistent budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLimited is returned when the post-increment count exceeds the
	// action's budget for the current window.
	ErrLimited = errors.New("ratelimit: limit exceeded")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("ratelimit: store unavailable")
)

// Limit is one action's budget: at most Max attempts per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Action names the rate-limited operations.
const (
	ActionLogin        = "login"
	ActionSignup       = "signup"
	ActionResetRequest = "reset_request"
	ActionRefresh      = "refresh"
)

// DefaultLimits are conservative defaults; production values come from
// configuration.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		ActionLogin:        {Max: 10, Window: 5 * time.Minute},
		ActionSignup:       {Max: 5, Window: time.Hour},
		ActionResetRequest: {Max: 3, Window: 15 * time.Minute},
		ActionRefresh:      {Max: 30, Window: time.Minute},
	}
}

// Limiter implements the counters over a Redis client.
type Limiter struct {
	redis  redis.UniversalClient
	limits map[string]Limit
}

// New creates a Limiter backed by the given Redis client. Actions missing
// from limits are not limited.
func New(client redis.UniversalClient, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{redis: client, limits: limits}
}

// Allow atomically increments the (action, identifier) counter and fails
// with ErrLimited once the count exceeds the budget. The increment is a
// single Redis INCR, never a read-then-write, so concurrent callers cannot
// all pass off one stale read; the window TTL is attached on the first hit.
func (l *Limiter) Allow(ctx context.Context, action, identifier string) error {
	limit, ok := l.limits[action]
	if !ok || limit.Max <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, key(action, identifier), limit.Window)
	if err != nil {
		return err
	}
	if count > int64(limit.Max) {
		return ErrLimited
	}
	return nil
}

// Reset clears the counter, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, action, identifier string) error {
	if err := l.redis.Del(ctx, key(action, identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Attempts returns the current window's counter. Missing keys read as zero
// and do not reveal whether the identifier exists.
func (l *Limiter) Attempts(ctx context.Context, action, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, key(action, identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return count, nil
}

func key(action, identifier string) string {
	return "rl:" + action + ":" + identifier
}
