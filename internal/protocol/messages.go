// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// Gender values accepted on join_queue. Preference accepts the same values
// plus "any".
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	PreferenceAny = "any"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg is sent by the client to request a match. Gender is what the
// client declares itself to be; Preference is who it wants to be paired with.
type JoinQueueMsg struct {
	Type        string `json:"type"`
	Gender      string `json:"gender"`
	Preference  string `json:"preference"`
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname"`
}

// LeaveQueueMsg is sent by the client to leave the waiting queue without
// disconnecting.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message sent by the client within a chat session.
type ChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// TypingMsg signals that the client is typing. It carries no payload; the
// target is always the current chat partner.
type TypingMsg struct {
	Type string `json:"type"`
}

// EvidenceEntry is one message from the client-side transcript attached to a
// report. Speaker is "peer" or "self" from the reporter's point of view.
type EvidenceEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// ReportMsg is sent by the client to report the current chat partner.
type ReportMsg struct {
	Type     string          `json:"type"`
	Evidence []EvidenceEntry `json:"evidence"`
}

// SkipMsg ends the current chat and immediately re-enters the queue.
type SkipMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MatchFoundMsg is sent by the server to both sides when a pairing succeeds.
type MatchFoundMsg struct {
	Type            string `json:"type"`
	RoomID          string `json:"room_id"`
	PartnerNickname string `json:"partner_nickname"`
}

// WaitingMsg is sent by the server when no peer was available and the client
// has been enqueued.
type WaitingMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReceiveMessageMsg is a text message relayed from the partner, stamped with
// the server's clock.
type ReceiveMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// PartnerTypingMsg relays the partner's typing signal.
type PartnerTypingMsg struct {
	Type string `json:"type"`
}

// PartnerLeftMsg is sent when the chat partner disconnected or skipped.
type PartnerLeftMsg struct {
	Type string `json:"type"`
}

// PreferenceUpdatedMsg notifies the client that the server overrode its
// match preference (daily filtered-match quota exhausted).
type PreferenceUpdatedMsg struct {
	Type       string `json:"type"`
	Preference string `json:"preference"`
}

// BannedMsg is the terminal notification sent before a moderation-triggered
// force disconnect.
type BannedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ValidGender reports whether g is an accepted declared gender.
func ValidGender(g string) bool {
	return g == GenderMale || g == GenderFemale
}

// ValidPreference reports whether p is an accepted match preference.
func ValidPreference(p string) bool {
	return p == GenderMale || p == GenderFemale || p == PreferenceAny
}
