// Command loadtest drives churn against a running coordinator: it connects a
// pool of simulated users, joins them into matchmaking with alternating
// genders, exchanges messages within matched rooms, and skips periodically so
// the queue and session table stay busy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veil/chat-app/loadtest/client"
)

var (
	urlFlag      = flag.String("url", "ws://localhost:8080/ws", "WebSocket URL of the coordinator")
	clientsFlag  = flag.Int("clients", 50, "number of simulated users")
	durationFlag = flag.Duration("duration", 30*time.Second, "how long to run")
	skipEvery    = flag.Duration("skip-every", 5*time.Second, "how often a matched user skips")
)

type counters struct {
	matches   int64
	waits     int64
	messages  int64
	skips     int64
	partnerGo int64
	errors    int64
}

func main() {
	flag.Parse()

	log.Printf("loadtest: %d clients against %s for %s", *clientsFlag, *urlFlag, *durationFlag)

	ctx, cancel := context.WithTimeout(context.Background(), *durationFlag)
	defer cancel()

	var stats counters
	var wg sync.WaitGroup

	for i := 0; i < *clientsFlag; i++ {
		gender := "male"
		if i%2 == 1 {
			gender = "female"
		}
		wg.Add(1)
		go func(n int, gender string) {
			defer wg.Done()
			runUser(ctx, n, gender, &stats)
		}(i, gender)

		// Stagger dials so the server isn't hit with one burst.
		time.Sleep(10 * time.Millisecond)
	}

	wg.Wait()

	fmt.Println()
	fmt.Println("=== loadtest summary ===")
	fmt.Printf("  matches:       %d\n", atomic.LoadInt64(&stats.matches))
	fmt.Printf("  waits:         %d\n", atomic.LoadInt64(&stats.waits))
	fmt.Printf("  messages:      %d\n", atomic.LoadInt64(&stats.messages))
	fmt.Printf("  skips:         %d\n", atomic.LoadInt64(&stats.skips))
	fmt.Printf("  partner_left:  %d\n", atomic.LoadInt64(&stats.partnerGo))
	fmt.Printf("  errors:        %d\n", atomic.LoadInt64(&stats.errors))
}

// runUser simulates one user's lifetime: join, chat while matched, skip on a
// timer, repeat until the context expires.
func runUser(ctx context.Context, n int, gender string, stats *counters) {
	c, err := client.New(ctx, *urlFlag)
	if err != nil {
		atomic.AddInt64(&stats.errors, 1)
		log.Printf("user %d: connect failed: %v", n, err)
		return
	}
	defer c.Close()

	var mu sync.Mutex
	roomID := ""

	c.On(client.TypeMatchFound, func(raw json.RawMessage) {
		var msg struct {
			RoomID string `json:"room_id"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			mu.Lock()
			roomID = msg.RoomID
			mu.Unlock()
			atomic.AddInt64(&stats.matches, 1)
		}
	})
	c.On(client.TypeWaiting, func(json.RawMessage) {
		atomic.AddInt64(&stats.waits, 1)
	})
	c.On(client.TypeReceiveMessage, func(json.RawMessage) {
		atomic.AddInt64(&stats.messages, 1)
	})
	c.On(client.TypePartnerLeft, func(json.RawMessage) {
		mu.Lock()
		roomID = ""
		mu.Unlock()
		atomic.AddInt64(&stats.partnerGo, 1)
	})
	c.On(client.TypeError, func(raw json.RawMessage) {
		atomic.AddInt64(&stats.errors, 1)
	})

	if err := c.WaitForSession(ctx); err != nil {
		return
	}

	fingerprint := fmt.Sprintf("loadtest-%s", c.SessionID()[:8])
	nickname := fmt.Sprintf("user-%d", n)
	if err := c.JoinQueue(gender, "any", fingerprint, nickname); err != nil {
		atomic.AddInt64(&stats.errors, 1)
		return
	}

	chatTicker := time.NewTicker(time.Duration(500+rand.Intn(1500)) * time.Millisecond)
	defer chatTicker.Stop()
	skipTicker := time.NewTicker(*skipEvery)
	defer skipTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-chatTicker.C:
			mu.Lock()
			room := roomID
			mu.Unlock()
			if room == "" {
				continue
			}
			if err := c.Chat(room, "hello from the load test"); err != nil {
				atomic.AddInt64(&stats.errors, 1)
				return
			}

		case <-skipTicker.C:
			mu.Lock()
			inRoom := roomID != ""
			roomID = ""
			mu.Unlock()
			if !inRoom {
				continue
			}
			if err := c.Skip(); err != nil {
				atomic.AddInt64(&stats.errors, 1)
				return
			}
			atomic.AddInt64(&stats.skips, 1)
		}
	}
}
