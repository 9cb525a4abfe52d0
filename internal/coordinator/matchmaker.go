package coordinator

import (
	"context"
	"log"

	"github.com/veil/chat-app/internal/protocol"
)

// match pops candidates matching the effective preference and tries to pair
// with each until a pairing sticks or the attempt budget runs out. Queue
// entries are removed by the pop itself, so stale candidates (disconnected
// while waiting, or already paired through another path) are simply discarded
// and the loop retried. Returns false when no live candidate could be paired.
func (c *Coordinator) match(ctx context.Context, connID, pref string, msg protocol.JoinQueueMsg) (bool, error) {
	for attempts := 0; attempts < c.cfg.MaxPopAttempts; attempts++ {
		candidate, err := c.popCandidate(ctx, pref)
		if err != nil {
			return false, err
		}
		if candidate == "" {
			return false, nil
		}
		if candidate == connID {
			log.Printf("[coordinator] discarded stale self entry conn=%s", connID)
			continue
		}
		if !c.registry.IsLive(candidate) {
			log.Printf("[coordinator] discarded dead candidate conn=%s", candidate)
			continue
		}
		if c.completeMatch(ctx, connID, candidate, pref, msg) {
			return true, nil
		}
		// The candidate vanished or got paired between pop and insert. Spend
		// another attempt on the remaining waiting candidates.
	}
	return false, nil
}

// popCandidate draws one candidate for the given preference. A filtered
// preference reads only its bucket; "any" starts from a uniformly random
// bucket and falls back to the other, so neither gender is systematically
// drained first.
func (c *Coordinator) popCandidate(ctx context.Context, pref string) (string, error) {
	if pref != protocol.PreferenceAny {
		return c.queue.Pop(ctx, pref)
	}

	first, second := protocol.GenderMale, protocol.GenderFemale
	if c.intn(2) == 1 {
		first, second = second, first
	}

	candidate, err := c.queue.Pop(ctx, first)
	if err != nil || candidate != "" {
		return candidate, err
	}
	return c.queue.Pop(ctx, second)
}
