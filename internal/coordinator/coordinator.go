// Package coordinator is the event router at the heart of the server. It
// consumes typed inbound connection events (join, message, typing, report,
// skip, leave, disconnect), drives the matchmaker, and emits typed outbound
// events through the transport. The session table and connection registry are
// mutated only from these entry points.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/veil/chat-app/internal/ban"
	"github.com/veil/chat-app/internal/messaging"
	"github.com/veil/chat-app/internal/metrics"
	"github.com/veil/chat-app/internal/moderation"
	"github.com/veil/chat-app/internal/protocol"
	"github.com/veil/chat-app/internal/ratelimit"
	"github.com/veil/chat-app/internal/session"
	"github.com/veil/chat-app/internal/ws"
)

// QueueStore is the external waiting-pool service: atomic set add/pop per
// gender bucket, plus purge across both. Satisfied by queue.Store.
type QueueStore interface {
	Add(ctx context.Context, gender, connID string) error
	Pop(ctx context.Context, gender string) (string, error)
	Purge(ctx context.Context, connID string) error
}

// Registry is the live-connection registry consulted for candidate
// validation and peer attributes. Satisfied by ws.ConnectionManager.
type Registry interface {
	IsLive(id string) bool
	Profile(id string) (ws.Profile, bool)
	UpdateProfile(id string, p ws.Profile)
}

// Sender delivers outbound events to a connection and can force-close it.
// Satisfied by ws.Server.
type Sender interface {
	Send(connID string, data []byte) error
	Disconnect(connID string)
}

// DailyLimiter counts filtered matches per fingerprint per local day.
// Satisfied by ratelimit.DailyLimiter.
type DailyLimiter interface {
	Count(ctx context.Context, fingerprint string) (int, error)
	Increment(ctx context.Context, fingerprint string) (int, error)
}

// Strikes records moderation strikes per fingerprint. Satisfied by
// ban.StrikeStore.
type Strikes interface {
	Add(ctx context.Context, fingerprint string) (int, error)
}

// ReportRecord is the metadata persisted for a verified report. Message text
// is deliberately absent; chat content is never persisted.
type ReportRecord struct {
	ReporterFingerprint string
	ReportedFingerprint string
	RoomID              string
	Flagged             int
	Strikes             int
}

// ReportSink receives verified report records for audit storage. Optional.
type ReportSink interface {
	Record(ctx context.Context, r ReportRecord) error
}

// Config holds the coordinator's tunable policy knobs.
type Config struct {
	DailyCap       int // filtered matches per fingerprint per day
	MaxPopAttempts int // bounded retry for stale queue entries
	BanThreshold   int // strikes that trigger a force disconnect
}

// DefaultConfig returns the production policy values.
func DefaultConfig() Config {
	return Config{
		DailyCap:       ratelimit.DefaultDailyCap,
		MaxPopAttempts: 5,
		BanThreshold:   ban.BanThreshold,
	}
}

// Coordinator wires the registry, session table, queue store, rate limiter,
// and moderation engine behind per-event handlers.
type Coordinator struct {
	cfg      Config
	registry Registry
	sessions *session.Table
	queue    QueueStore
	daily    DailyLimiter
	strikes  Strikes
	checker  moderation.Checker
	sender   Sender
	audit    *messaging.Publisher // nil disables audit events
	reports  ReportSink           // nil disables report persistence

	intn func(n int) int // uniform draw for the "any" bucket tie-break
	now  func() time.Time
}

// New creates a Coordinator. audit and reports may be nil.
func New(cfg Config, registry Registry, sessions *session.Table, queue QueueStore,
	daily DailyLimiter, strikes Strikes, checker moderation.Checker, sender Sender,
	audit *messaging.Publisher, reports ReportSink) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		queue:    queue,
		daily:    daily,
		strikes:  strikes,
		checker:  checker,
		sender:   sender,
		audit:    audit,
		reports:  reports,
		intn:     rand.IntN,
		now:      time.Now,
	}
}

// ---------------------------------------------------------------------------
// join_queue
// ---------------------------------------------------------------------------

// HandleJoin runs the matchmaking flow for a join request: optional
// preference downgrade, bounded candidate search, and either an atomic
// pairing or enqueueing under the requester's own declared gender.
func (c *Coordinator) HandleJoin(ctx context.Context, connID string, msg protocol.JoinQueueMsg) {
	if msg.Nickname == "" {
		msg.Nickname = "Anonymous"
	}
	if !protocol.ValidGender(msg.Gender) || !protocol.ValidPreference(msg.Preference) {
		c.sendError(connID, "invalid_join", "gender must be male|female and preference male|female|any")
		return
	}

	// A matched connection must never end up in a queue bucket. Skip is the
	// way out of an active session.
	if _, ok := c.sessions.Lookup(connID); ok {
		c.sendError(connID, "already_matched", "already in an active chat")
		return
	}

	// A retried join may still hold a waiting entry from an earlier attempt
	// (or from a skip taken while unmatched). Drop it first so a successful
	// match can never leave the connection both paired and queued, and so a
	// changed gender declaration cannot occupy two buckets.
	if err := c.queue.Purge(ctx, connID); err != nil {
		log.Printf("[coordinator] purge before join conn=%s: %v", connID, err)
		c.sendError(connID, "internal_error", "service temporarily unavailable")
		return
	}

	c.registry.UpdateProfile(connID, ws.Profile{
		Nickname:    msg.Nickname,
		Gender:      msg.Gender,
		Preference:  msg.Preference,
		Fingerprint: msg.Fingerprint,
	})

	pref := msg.Preference

	// Filtered preferences burn daily quota; once it's gone the filter is
	// forced to "any" and the client is told.
	if pref != protocol.PreferenceAny {
		count, err := c.daily.Count(ctx, msg.Fingerprint)
		if err != nil {
			log.Printf("[coordinator] daily count for conn=%s: %v", connID, err)
			c.sendError(connID, "internal_error", "service temporarily unavailable")
			return
		}
		if count >= c.cfg.DailyCap {
			pref = protocol.PreferenceAny
			metrics.PreferenceDowngrades.Inc()
			c.send(connID, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
				Text: "Daily filter limit reached. Switched to 'Any' match mode.",
				Ts:   c.now().UnixMilli(),
			})
			c.send(connID, protocol.TypePreferenceUpdated, protocol.PreferenceUpdatedMsg{
				Preference: protocol.PreferenceAny,
			})
		}
	}

	matched, err := c.match(ctx, connID, pref, msg)
	if err != nil {
		log.Printf("[coordinator] match for conn=%s: %v", connID, err)
		c.sendError(connID, "internal_error", "service temporarily unavailable")
		return
	}
	if matched {
		return
	}

	if err := c.queue.Add(ctx, msg.Gender, connID); err != nil {
		log.Printf("[coordinator] enqueue conn=%s: %v", connID, err)
		c.sendError(connID, "internal_error", "service temporarily unavailable")
		return
	}
	metrics.EnqueuesTotal.Inc()
	c.send(connID, protocol.TypeWaiting, protocol.WaitingMsg{Message: "Waiting for a match..."})
}

// completeMatch pairs the requester with the popped candidate. Returns false
// if the pairing could not be completed (candidate died or got paired
// concurrently); the session table is left clean in that case.
func (c *Coordinator) completeMatch(ctx context.Context, connID, peerID, pref string, msg protocol.JoinQueueMsg) bool {
	roomID, err := c.sessions.Create(connID, peerID)
	if err != nil {
		log.Printf("[coordinator] pair conn=%s peer=%s: %v", connID, peerID, err)
		return false
	}

	// The peer may have disconnected between the liveness check and the
	// insert. Its disconnect cleanup may already have run and found no
	// session, so tear this one down rather than strand the requester.
	peerProfile, alive := c.registry.Profile(peerID)
	if !alive {
		c.sessions.Destroy(connID)
		return false
	}

	if pref != protocol.PreferenceAny {
		if _, err := c.daily.Increment(ctx, msg.Fingerprint); err != nil {
			// The match stands; losing one quota tick is preferable to
			// unwinding a delivered pairing.
			log.Printf("[coordinator] daily increment fp=%s: %v", msg.Fingerprint, err)
		}
	}

	c.send(connID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:          roomID,
		PartnerNickname: nicknameOf(peerProfile),
	})
	c.send(peerID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:          roomID,
		PartnerNickname: msg.Nickname,
	})

	metrics.MatchesTotal.WithLabelValues(pref).Inc()
	c.audit.Match(messaging.MatchEvent{
		RoomID:     roomID,
		ConnA:      connID,
		ConnB:      peerID,
		Preference: pref,
		Ts:         c.now().Unix(),
	})

	log.Printf("[coordinator] matched conn=%s peer=%s room=%s pref=%s", connID, peerID, roomID, pref)
	return true
}

func nicknameOf(p ws.Profile) string {
	if p.Nickname == "" {
		return "Anonymous"
	}
	return p.Nickname
}

// ---------------------------------------------------------------------------
// message / typing
// ---------------------------------------------------------------------------

// HandleMessage relays a chat message to the sender's current partner after
// validating room ownership. The relay carries the server's clock, never the
// client's.
func (c *Coordinator) HandleMessage(ctx context.Context, connID string, msg protocol.ChatMsg) {
	entry, ok := c.sessions.Lookup(connID)
	if !ok || entry.RoomID != msg.RoomID {
		c.sendError(connID, "invalid_room", "invalid room")
		return
	}

	c.send(entry.PeerID, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Text: msg.Text,
		Ts:   c.now().UnixMilli(),
	})
	metrics.MessagesRelayed.Inc()
}

// HandleTyping relays a typing signal to the current partner. Silently
// ignored when the sender has no session.
func (c *Coordinator) HandleTyping(ctx context.Context, connID string) {
	entry, ok := c.sessions.Lookup(connID)
	if !ok {
		return
	}
	c.send(entry.PeerID, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{})
}

// ---------------------------------------------------------------------------
// report
// ---------------------------------------------------------------------------

// HandleReport scores a report's evidence against the abuse heuristic. A
// verified report adds exactly one strike to the partner's fingerprint
// regardless of how many messages were flagged; crossing the strike
// threshold force-disconnects the partner with a terminal notification.
func (c *Coordinator) HandleReport(ctx context.Context, connID string, msg protocol.ReportMsg) {
	entry, ok := c.sessions.Lookup(connID)
	if !ok {
		return
	}

	peerProfile, alive := c.registry.Profile(entry.PeerID)
	if !alive || peerProfile.Fingerprint == "" {
		// No resolvable identity to penalize.
		log.Printf("[coordinator] report from conn=%s: no reportable fingerprint", connID)
		return
	}

	evidence := make([]moderation.Evidence, 0, len(msg.Evidence))
	for _, e := range msg.Evidence {
		evidence = append(evidence, moderation.Evidence{Speaker: e.Speaker, Text: e.Text})
	}

	verdict := moderation.Score(c.checker, evidence)
	if !verdict.Abusive() {
		c.send(connID, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
			Text: "Report received. No automated violations detected in recent messages.",
			Ts:   c.now().UnixMilli(),
		})
		return
	}

	strikes, err := c.strikes.Add(ctx, peerProfile.Fingerprint)
	if err != nil {
		log.Printf("[coordinator] strike fp=%s: %v", peerProfile.Fingerprint, err)
		c.sendError(connID, "internal_error", "service temporarily unavailable")
		return
	}
	metrics.StrikesTotal.Inc()
	c.audit.Strike(messaging.StrikeEvent{
		Fingerprint: peerProfile.Fingerprint,
		Strikes:     strikes,
		Flagged:     verdict.Flagged,
		Ts:          c.now().Unix(),
	})

	c.send(connID, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Text: fmt.Sprintf("Abuse verified. User penalized (%d/%d strikes).", strikes, c.cfg.BanThreshold),
		Ts:   c.now().UnixMilli(),
	})

	if c.reports != nil {
		reporterProfile, _ := c.registry.Profile(connID)
		rec := ReportRecord{
			ReporterFingerprint: reporterProfile.Fingerprint,
			ReportedFingerprint: peerProfile.Fingerprint,
			RoomID:              entry.RoomID,
			Flagged:             verdict.Flagged,
			Strikes:             strikes,
		}
		if err := c.reports.Record(ctx, rec); err != nil {
			log.Printf("[coordinator] record report: %v", err)
		}
	}

	if strikes >= c.cfg.BanThreshold {
		c.send(entry.PeerID, protocol.TypeBanned, protocol.BannedMsg{
			Message: "You have been banned for abusive behavior.",
		})
		metrics.BansTotal.Inc()
		c.audit.Ban(messaging.BanEvent{
			Fingerprint: peerProfile.Fingerprint,
			Strikes:     strikes,
			Ts:          c.now().Unix(),
		})
		// Force disconnect runs the normal cleanup path, which destroys the
		// session and notifies the reporter that the partner left.
		c.sender.Disconnect(entry.PeerID)
	}
}

// ---------------------------------------------------------------------------
// leave_queue / skip / disconnect
// ---------------------------------------------------------------------------

// HandleLeaveQueue removes the connection from its waiting bucket.
func (c *Coordinator) HandleLeaveQueue(ctx context.Context, connID string) {
	if err := c.queue.Purge(ctx, connID); err != nil {
		log.Printf("[coordinator] leave queue conn=%s: %v", connID, err)
		c.sendError(connID, "internal_error", "service temporarily unavailable")
	}
}

// HandleSkip ends the current session (notifying the partner) and
// immediately re-enters the queue with the attributes declared on the last
// join. A skip with no active session is just a re-join.
func (c *Coordinator) HandleSkip(ctx context.Context, connID string) {
	if entry, ok := c.sessions.Lookup(connID); ok {
		if peerID, destroyed := c.sessions.Destroy(connID); destroyed {
			c.send(peerID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
			c.audit.SessionEnd(messaging.SessionEndEvent{
				RoomID: entry.RoomID,
				Cause:  "skip",
				Ts:     c.now().Unix(),
			})
		}
	}

	profile, ok := c.registry.Profile(connID)
	if !ok {
		return
	}
	c.HandleJoin(ctx, connID, protocol.JoinQueueMsg{
		Gender:      profile.Gender,
		Preference:  profile.Preference,
		Fingerprint: profile.Fingerprint,
		Nickname:    profile.Nickname,
	})
}

// HandleDisconnect purges all coordinator state for a closed connection:
// the session (notifying the partner) and any queue membership. It is
// unconditional and idempotent; running it for a connection with no state is
// a no-op.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connID string) {
	if entry, ok := c.sessions.Lookup(connID); ok {
		if peerID, destroyed := c.sessions.Destroy(connID); destroyed {
			c.send(peerID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
			c.audit.SessionEnd(messaging.SessionEndEvent{
				RoomID: entry.RoomID,
				Cause:  "disconnect",
				Ts:     c.now().Unix(),
			})
		}
	}

	if err := c.queue.Purge(ctx, connID); err != nil {
		log.Printf("[coordinator] disconnect purge conn=%s: %v", connID, err)
	}
}

// ---------------------------------------------------------------------------
// outbound helpers
// ---------------------------------------------------------------------------

// send builds and delivers an outbound event. Delivery failures are logged,
// not propagated: the target may have disconnected between lookup and write.
func (c *Coordinator) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[coordinator] build %s for conn=%s: %v", msgType, connID, err)
		return
	}
	if err := c.sender.Send(connID, data); err != nil {
		log.Printf("[coordinator] send %s to conn=%s: %v", msgType, connID, err)
	}
}

func (c *Coordinator) sendError(connID, code, message string) {
	c.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
