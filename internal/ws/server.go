// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining the live-connection registry, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/veil/chat-app/internal/metrics"
	"github.com/veil/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for I/O
// readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading. All coordinator state for a connection is
// keyed by the UUID assigned here.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	httpServer   *http.Server
	extraRoutes  map[string]http.Handler // additional HTTP routes mounted next to /ws
	bufPool      sync.Pool               // pool of reusable read buffers
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:      config,
		conns:       NewConnectionManager(),
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		onMessage:   onMessage,
		extraRoutes: make(map[string]http.Handler),
		done:        make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// Handle mounts an additional HTTP handler on the server's mux. Must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extraRoutes[pattern] = handler
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, handler := range s.extraRoutes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it creates a Connection and
// registers it with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:        connID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for connection %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsActive.Set(float64(s.conns.Count()))

	// Tell the client its connection ID.
	created, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: connID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for %s: %v", connID, err)
	} else if err := c.WriteMessage(created); err != nil {
		log.Printf("ws: failed to send session_created for %s: %v", connID, err)
	}

	log.Printf("ws: new connection id=%s fd=%d (total=%d)", connID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It runs before the
// connection is discarded so cleanup can still see its ID.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor and the coordinator's force-disconnect path can
// evict connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (read error + heartbeat timeout, for instance).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Disconnect closes the connection with the given ID, running the normal
// removal path. A no-op if the connection is already gone.
func (s *Server) Disconnect(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Send writes a WebSocket text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager, the registry of live
// connections and their declared profiles.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
