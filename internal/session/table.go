// Package session owns the in-process session table: the single source of
// truth for which connection is paired with which peer, and under which room.
// The table is never shared outside its exported methods; every mutation is a
// single critical section so a connection can never end up in two sessions or
// in a half-formed one.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrAlreadyPaired is returned by Create when either side is already in a
// session. The caller must treat the match as failed and re-queue the
// surviving side.
var ErrAlreadyPaired = errors.New("session: connection already paired")

// ErrSelfPair is returned by Create when both sides are the same connection.
var ErrSelfPair = errors.New("session: cannot pair a connection with itself")

// Entry describes one side of an active pairing.
type Entry struct {
	RoomID string
	PeerID string
}

// Table maps connection IDs to their active session. Both directions of a
// pairing are inserted and removed together.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry // connection ID -> session entry
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Create pairs connections a and b under a freshly allocated room ID. Both
// entries are inserted atomically; if either side is already paired, nothing
// is inserted and ErrAlreadyPaired is returned.
func (t *Table) Create(a, b string) (string, error) {
	if a == b {
		return "", ErrSelfPair
	}

	roomID := uuid.New().String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[a]; ok {
		return "", ErrAlreadyPaired
	}
	if _, ok := t.entries[b]; ok {
		return "", ErrAlreadyPaired
	}

	t.entries[a] = Entry{RoomID: roomID, PeerID: b}
	t.entries[b] = Entry{RoomID: roomID, PeerID: a}
	return roomID, nil
}

// Lookup returns the session entry for a connection, or ok=false if the
// connection is not currently paired.
func (t *Table) Lookup(connID string) (Entry, bool) {
	t.mu.RLock()
	entry, ok := t.entries[connID]
	t.mu.RUnlock()
	return entry, ok
}

// Destroy removes both directions of the session containing connID and
// returns the peer's connection ID so the caller can notify it. It is
// idempotent: destroying a connection with no session returns ok=false and
// has no effect.
func (t *Table) Destroy(connID string) (peerID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, found := t.entries[connID]
	if !found {
		return "", false
	}

	delete(t.entries, connID)
	delete(t.entries, entry.PeerID)
	return entry.PeerID, true
}

// Len returns the number of paired connections (two per session).
func (t *Table) Len() int {
	t.mu.RLock()
	n := len(t.entries)
	t.mu.RUnlock()
	return n
}
