// Package messaging provides a NATS publisher for coordinator audit events.
// Publishing is fire-and-forget: downstream consumers (dashboards, abuse
// tooling) observe matches, strikes, and bans without any coordinator state
// crossing the wire. A nil *Publisher disables publishing entirely, so
// deployments without NATS need no special casing.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for audit events.
const (
	SubjectMatch      = "audit.match"
	SubjectStrike     = "audit.strike"
	SubjectBan        = "audit.ban"
	SubjectSessionEnd = "audit.session_end"
)

// MatchEvent is published when two connections are paired.
type MatchEvent struct {
	RoomID     string `json:"room_id"`
	ConnA      string `json:"conn_a"`
	ConnB      string `json:"conn_b"`
	Preference string `json:"preference"` // effective preference of the requester
	Ts         int64  `json:"ts"`
}

// StrikeEvent is published when a report earns a strike.
type StrikeEvent struct {
	Fingerprint string `json:"fingerprint"`
	Strikes     int    `json:"strikes"`
	Flagged     int    `json:"flagged"`
	Ts          int64  `json:"ts"`
}

// BanEvent is published when a fingerprint crosses the strike threshold.
type BanEvent struct {
	Fingerprint string `json:"fingerprint"`
	Strikes     int    `json:"strikes"`
	Ts          int64  `json:"ts"`
}

// SessionEndEvent is published when a session is destroyed.
type SessionEndEvent struct {
	RoomID string `json:"room_id"`
	Cause  string `json:"cause"` // "disconnect", "skip", "ban"
	Ts     int64  `json:"ts"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "veil-coordinator",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Publisher wraps the NATS connection. All methods are safe on a nil
// receiver, which turns publishing into a no-op.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with the given config and returns a ready
// publisher. It returns an error if the initial connection fails.
func NewPublisher(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// Match publishes a MatchEvent.
func (p *Publisher) Match(ev MatchEvent) {
	p.publish(SubjectMatch, ev)
}

// Strike publishes a StrikeEvent.
func (p *Publisher) Strike(ev StrikeEvent) {
	p.publish(SubjectStrike, ev)
}

// Ban publishes a BanEvent.
func (p *Publisher) Ban(ev BanEvent) {
	p.publish(SubjectBan, ev)
}

// SessionEnd publishes a SessionEndEvent.
func (p *Publisher) SessionEnd(ev SessionEndEvent) {
	p.publish(SubjectSessionEnd, ev)
}

// publish marshals and sends an event. Failures are logged, never returned;
// audit events are advisory and must not affect the serving path.
func (p *Publisher) publish(subject string, ev interface{}) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection. Safe on a nil receiver.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
