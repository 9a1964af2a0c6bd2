// Package ratelimit enforces per-recipient notification limits with a
// fixed-size window counter in Redis. The counter is shared, so the limit
// holds across all notification workers and processes. Windowed counters are
// deliberately lossy: overflow notifications are dropped, never retried.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	rdb    *redis.Client
	prefix string
	max    int
	window time.Duration
}

func New(rdb *redis.Client, max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, prefix: "ratelimit:notify:", max: max, window: window}
}

// Allow reports whether the recipient is still under the limit for the
// current window. Read-only; the caller increments after the notification is
// durably persisted.
func (l *Limiter) Allow(ctx context.Context, recipient string) (bool, error) {
	n, err := l.rdb.Get(ctx, l.prefix+recipient).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		return false, fmt.Errorf("rate limit read %s: %w", recipient, err)
	}
	return n < l.max, nil
}

// Increment counts one delivered notification. The first increment of a
// window sets the TTL to the window length, after which the counter expires
// and the window resets.
func (l *Limiter) Increment(ctx context.Context, recipient string) error {
	key := l.prefix + recipient
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate limit incr %s: %w", recipient, err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("rate limit expire %s: %w", recipient, err)
		}
	}
	return nil
}

// Max exposes the configured limit for health/metrics reporting.
func (l *Limiter) Max() int {
	return l.max
}
