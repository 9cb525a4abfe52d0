// Package ratelimit provides the Redis-backed daily filtered-match counter.
// Each fingerprint gets an INCR counter whose expiry is pinned to the next
// local midnight, so the quota resets with the server's calendar day.
//
// The fingerprint is client-declared and unverified. An empty fingerprint is
// never counted and never limited; that trust gap is inherited from the
// identity model, not something this package can close.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for daily match counters.
	KeyPrefix = "limit:"

	// DefaultDailyCap is the number of filtered (non-"any") matches allowed
	// per fingerprint per local day.
	DefaultDailyCap = 5
)

// DailyLimiter counts filtered matches per fingerprint per local day.
type DailyLimiter struct {
	client *redis.Client
	now    func() time.Time // injectable clock for tests
}

// NewDailyLimiter creates a limiter backed by the given Redis client.
func NewDailyLimiter(client *redis.Client) *DailyLimiter {
	return &DailyLimiter{client: client, now: time.Now}
}

// Count returns the number of filtered matches recorded for the fingerprint
// today. An empty fingerprint always reports 0.
func (l *DailyLimiter) Count(ctx context.Context, fingerprint string) (int, error) {
	if fingerprint == "" {
		return 0, nil
	}

	count, err := l.client.Get(ctx, KeyPrefix+fingerprint).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: get daily count: %w", err)
	}
	return count, nil
}

// Increment records one filtered match for the fingerprint and returns the
// new count. On the first increment of the day the key's expiry is set to
// the next local midnight. An empty fingerprint is skipped entirely.
func (l *DailyLimiter) Increment(ctx context.Context, fingerprint string) (int, error) {
	if fingerprint == "" {
		return 0, nil
	}

	key := KeyPrefix + fingerprint
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: incr daily count: %w", err)
	}

	// Set the expiry only on the first increment so the window stays
	// anchored to the calendar day.
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.untilMidnight()).Err(); err != nil {
			return int(count), fmt.Errorf("ratelimit: expire daily count: %w", err)
		}
	}

	return int(count), nil
}

// untilMidnight returns the duration from now to the next local midnight.
func (l *DailyLimiter) untilMidnight() time.Duration {
	now := l.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return midnight.Sub(now)
}
