// Package ban provides fingerprint-based strike accounting backed by Redis.
// Strike records are plain counters with a rolling expiry:
//
//	Key:   strikes:<fingerprint>
//	Value: <count>
//	TTL:   30 days, set on the first strike
//
// Reaching the threshold means the fingerprint is banned for the remainder of
// the strike window. The fingerprint is client-declared, so a determined
// abuser can rotate it; that is a known trust gap, not a guarantee this
// package makes.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StrikePrefix is the Redis key prefix for strike counters.
	StrikePrefix = "strikes:"

	// StrikeTTL is how long a fingerprint's strike counter lives. The window
	// starts at the first strike and does not slide.
	StrikeTTL = 30 * 24 * time.Hour

	// BanThreshold is the strike count at which a fingerprint is banned.
	BanThreshold = 3
)

// StrikeStore manages strike counters in Redis.
type StrikeStore struct {
	client *redis.Client
}

// NewStrikeStore creates a strike store using the provided Redis client.
func NewStrikeStore(client *redis.Client) *StrikeStore {
	return &StrikeStore{client: client}
}

// Add records one strike against a fingerprint and returns the new total.
// The 30-day TTL is set only on the first strike so the window does not
// slide with each report. An empty fingerprint records nothing and returns 0.
func (s *StrikeStore) Add(ctx context.Context, fingerprint string) (int, error) {
	if fingerprint == "" {
		return 0, nil
	}

	key := StrikePrefix + fingerprint
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: strike incr: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikeTTL).Err(); err != nil {
			return int(count), fmt.Errorf("ban: strike expire: %w", err)
		}
	}

	return int(count), nil
}

// Count returns the current strike total for a fingerprint. Returns 0 when
// no strikes are recorded or the counter has expired.
func (s *StrikeStore) Count(ctx context.Context, fingerprint string) (int, error) {
	if fingerprint == "" {
		return 0, nil
	}

	val, err := s.client.Get(ctx, StrikePrefix+fingerprint).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: strike get: %w", err)
	}
	return val, nil
}

// IsBanned reports whether the fingerprint has reached the ban threshold
// within its strike window.
func (s *StrikeStore) IsBanned(ctx context.Context, fingerprint string) (bool, error) {
	count, err := s.Count(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	return count >= BanThreshold, nil
}

// Clear removes a fingerprint's strike counter. Intended for operator use.
func (s *StrikeStore) Clear(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, StrikePrefix+fingerprint).Err()
}
