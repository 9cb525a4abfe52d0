package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Profile holds the attributes a connection declares on join_queue. The
// fingerprint is client-supplied and not verified; it is the identity key
// for rate limiting and strikes, nothing more.
type Profile struct {
	Nickname    string
	Gender      string
	Preference  string
	Fingerprint string
}

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID), assigned on upgrade
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last heartbeat received from the client

	profileMu sync.RWMutex // guards profile; written on join, read by matchmaking
	profile   Profile

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// SetProfile records the attributes declared by the client. Called from the
// join handler; later joins overwrite earlier declarations.
func (c *Connection) SetProfile(p Profile) {
	c.profileMu.Lock()
	c.profile = p
	c.profileMu.Unlock()
}

// Profile returns a copy of the connection's declared attributes.
func (c *Connection) Profile() Profile {
	c.profileMu.RLock()
	p := c.profile
	c.profileMu.RUnlock()
	return p
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is the connection registry: a thread-safe map from
// connection IDs and file descriptors to live Connection objects. It is the
// authority on which connections are alive; the matchmaker consults it to
// discard stale queue entries.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// IsLive reports whether the connection ID belongs to a registered, open
// connection.
func (cm *ConnectionManager) IsLive(id string) bool {
	return cm.Get(id) != nil
}

// Profile returns the declared attributes for a connection ID. ok is false
// when the connection is gone.
func (cm *ConnectionManager) Profile(id string) (Profile, bool) {
	conn := cm.Get(id)
	if conn == nil {
		return Profile{}, false
	}
	return conn.Profile(), true
}

// UpdateProfile stores declared attributes for a connection ID. A no-op if
// the connection has already closed.
func (cm *ConnectionManager) UpdateProfile(id string, p Profile) {
	if conn := cm.Get(id); conn != nil {
		conn.SetProfile(p)
	}
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
