package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/veil/chat-app/internal/ban"
	"github.com/veil/chat-app/internal/coordinator"
	"github.com/veil/chat-app/internal/identity"
	"github.com/veil/chat-app/internal/messaging"
	"github.com/veil/chat-app/internal/metrics"
	"github.com/veil/chat-app/internal/moderation"
	"github.com/veil/chat-app/internal/protocol"
	"github.com/veil/chat-app/internal/queue"
	"github.com/veil/chat-app/internal/ratelimit"
	"github.com/veil/chat-app/internal/report"
	"github.com/veil/chat-app/internal/session"
	"github.com/veil/chat-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- NATS (optional audit stream) ---
	var publisher *messaging.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		var err error
		publisher, err = messaging.NewPublisher(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, audit events disabled")
	}

	// --- PostgreSQL (optional report audit store) ---
	var (
		db      *sql.DB
		reports coordinator.ReportSink
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open PostgreSQL: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}

		migrationsPath := "file://migrations"
		if v := os.Getenv("MIGRATIONS_PATH"); v != "" {
			migrationsPath = v
		}
		m, err := migrate.New(migrationsPath, dsn)
		if err != nil {
			log.Fatalf("failed to init migrations: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("failed to run migrations: %v", err)
		}

		reports = reportSink{store: report.NewStore(db)}
	} else {
		log.Printf("DATABASE_URL not set, report audit store disabled")
	}

	// --- Identity verification ---
	aiURL := "http://localhost:8000"
	if v := os.Getenv("AI_SERVICE_URL"); v != "" {
		aiURL = v
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "secret"
		log.Printf("JWT_SECRET not set, using insecure default")
	}
	verifyHandler := identity.NewHandler(
		identity.NewClient(aiURL),
		identity.NewTokenIssuer(jwtSecret),
	)

	log.Printf("Veil coordinator starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  ai_service_url:  %s", aiURL)

	dispatcher := ws.NewMessageDispatcher(nil)

	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.Handle("/api/verify", verifyHandler)
	server.Handle("/metrics", metrics.Handler())

	coord := coordinator.New(
		coordinator.DefaultConfig(),
		server.Connections(),
		session.NewTable(),
		queue.NewStore(rdb),
		ratelimit.NewDailyLimiter(rdb),
		ban.NewStrikeStore(rdb),
		moderation.NewFilter(),
		server,
		publisher,
		reports,
	)

	// -----------------------------------------------------------------------
	// join_queue — enter matchmaking
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		log.Printf("join_queue from conn=%s gender=%s pref=%s", conn.ID, joinMsg.Gender, joinMsg.Preference)
		coord.HandleJoin(context.Background(), conn.ID, joinMsg)
	})

	// -----------------------------------------------------------------------
	// leave_queue — leave matchmaking without disconnecting
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveQueue, func(conn *ws.Connection, msg interface{}) {
		log.Printf("leave_queue from conn=%s", conn.ID)
		coord.HandleLeaveQueue(context.Background(), conn.ID)
	})

	// -----------------------------------------------------------------------
	// message — relay to the current partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		coord.HandleMessage(context.Background(), conn.ID, chatMsg)
	})

	// -----------------------------------------------------------------------
	// typing — relay typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		coord.HandleTyping(context.Background(), conn.ID)
	})

	// -----------------------------------------------------------------------
	// report — score evidence and penalize the partner if verified
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReport, func(conn *ws.Connection, msg interface{}) {
		reportMsg, ok := msg.(protocol.ReportMsg)
		if !ok {
			return
		}
		log.Printf("report from conn=%s evidence=%d", conn.ID, len(reportMsg.Evidence))
		coord.HandleReport(context.Background(), conn.ID, reportMsg)
	})

	// -----------------------------------------------------------------------
	// skip — end the current chat and rematch immediately
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSkip, func(conn *ws.Connection, msg interface{}) {
		log.Printf("skip from conn=%s", conn.ID)
		coord.HandleSkip(context.Background(), conn.ID)
	})

	// Disconnect cleanup: destroy the session, notify the partner, purge the
	// queue entry.
	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		coord.HandleDisconnect(ctx, connID)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		publisher.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if db != nil {
			_ = db.Close()
		}
		_ = rdb.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// reportSink adapts the PostgreSQL report store to the coordinator's sink
// interface.
type reportSink struct {
	store *report.Store
}

func (s reportSink) Record(ctx context.Context, r coordinator.ReportRecord) error {
	return s.store.Create(ctx, &report.Report{
		ReporterFingerprint: r.ReporterFingerprint,
		ReportedFingerprint: r.ReportedFingerprint,
		RoomID:              r.RoomID,
		FlaggedCount:        r.Flagged,
		StrikeCount:         r.Strikes,
	})
}
