// Package queue provides the Redis-backed waiting pools for unmatched
// connections. Each declared gender has one bucket, stored as a Redis set so
// that pops are atomic at the store level even when multiple coordinator
// tasks race for the same bucket.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/veil/chat-app/internal/metrics"
)

// Redis keys for the two gender buckets.
const (
	KeyMale   = "queue:male"
	KeyFemale = "queue:female"
)

// BucketKey maps a declared gender to its Redis bucket key.
func BucketKey(gender string) string {
	if gender == "female" {
		return KeyFemale
	}
	return KeyMale
}

// Store manages the waiting buckets in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a queue store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Add inserts a connection ID into the bucket for the given gender. SADD is
// idempotent, so re-adding a waiting connection is harmless.
func (s *Store) Add(ctx context.Context, gender, connID string) error {
	if err := s.rdb.SAdd(ctx, BucketKey(gender), connID).Err(); err != nil {
		return fmt.Errorf("queue: add to %s: %w", BucketKey(gender), err)
	}
	s.updateDepth(ctx, BucketKey(gender))
	return nil
}

// Pop removes and returns one connection ID from the bucket for the given
// gender. Returns "" when the bucket is empty. SPOP is atomic, so two
// concurrent pops can never return the same member.
func (s *Store) Pop(ctx context.Context, gender string) (string, error) {
	id, err := s.rdb.SPop(ctx, BucketKey(gender)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: pop from %s: %w", BucketKey(gender), err)
	}
	s.updateDepth(ctx, BucketKey(gender))
	return id, nil
}

// Purge removes a connection ID from both buckets. Used on disconnect and
// leave_queue, where the owning bucket may not be known; removing from a
// bucket the ID was never in is a no-op.
func (s *Store) Purge(ctx context.Context, connID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, KeyMale, connID)
	pipe.SRem(ctx, KeyFemale, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: purge %s: %w", connID, err)
	}
	s.updateDepth(ctx, KeyMale)
	s.updateDepth(ctx, KeyFemale)
	return nil
}

// updateDepth refreshes the queue-depth gauge for one bucket. Best effort;
// a failed SCARD only leaves the gauge stale until the next queue operation.
func (s *Store) updateDepth(ctx context.Context, key string) {
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return
	}
	label := "male"
	if key == KeyFemale {
		label = "female"
	}
	metrics.QueueDepth.WithLabelValues(label).Set(float64(n))
}

// Size returns the combined number of waiting connections across both buckets.
func (s *Store) Size(ctx context.Context) (int64, error) {
	pipe := s.rdb.Pipeline()
	male := pipe.SCard(ctx, KeyMale)
	female := pipe.SCard(ctx, KeyFemale)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return male.Val() + female.Val(), nil
}
