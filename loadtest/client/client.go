// Package client provides a reusable WebSocket load test client for the Veil
// coordinator. It connects using gobwas/ws (the same library the server
// uses), captures the connection ID from the session_created handshake, and
// tracks per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue  = "join_queue"
	TypeLeaveQueue = "leave_queue"
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeReport     = "report"
	TypeSkip       = "skip"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeMatchFound        = "match_found"
	TypeWaiting           = "waiting"
	TypeReceiveMessage    = "receive_message"
	TypePartnerTyping     = "partner_typing"
	TypePartnerLeft       = "partner_left"
	TypePreferenceUpdated = "preference_updated"
	TypeBanned            = "banned"
	TypeError             = "error"
	TypePong              = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection to the coordinator.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	sessionID string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a load test client connected to the given WebSocket URL. A
// background goroutine begins reading messages immediately; the connection ID
// is captured from the server's session_created message.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinQueue sends a join_queue request with the given attributes.
func (c *Client) JoinQueue(gender, preference, fingerprint, nickname string) error {
	return c.Send(map[string]string{
		"type":        TypeJoinQueue,
		"gender":      gender,
		"preference":  preference,
		"fingerprint": fingerprint,
		"nickname":    nickname,
	})
}

// Chat sends a text message into the given room.
func (c *Client) Chat(roomID, text string) error {
	return c.Send(map[string]string{
		"type":    TypeMessage,
		"room_id": roomID,
		"text":    text,
	})
}

// Skip ends the current chat and rematches.
func (c *Client) Skip() error {
	return c.Send(map[string]string{"type": TypeSkip})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine and should not block. Registering a second handler for the
// same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a connection ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.sessionID != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. Safe to call multiple
// times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the connection ID assigned by the server, or "" if the
// handshake has not completed yet.
func (c *Client) SessionID() string {
	return c.sessionID
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads frames and dispatches them to handlers. It
// runs until the connection closes.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeSessionCreated {
			var msg struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.sessionID = msg.SessionID
			}
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
