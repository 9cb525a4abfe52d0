// Package metrics provides Prometheus instrumentation for the coordinator.
// It exposes gauges for connection and queue depth, and counters for match,
// relay, and moderation activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veil_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// QueueDepth tracks the number of waiting connections per bucket.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veil_queue_depth",
		Help: "Current number of waiting connections per gender bucket",
	}, []string{"bucket"})

	// MatchesTotal counts successful pairings, labeled by the effective
	// preference ("male", "female", "any") of the requesting side.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veil_matches_total",
		Help: "Total number of successful pairings",
	}, []string{"preference"})

	// EnqueuesTotal counts join requests that found no peer and were queued.
	EnqueuesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veil_enqueues_total",
		Help: "Total number of join requests that ended up waiting",
	})

	// MessagesRelayed counts chat messages relayed between paired connections.
	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veil_messages_relayed_total",
		Help: "Total number of chat messages relayed to partners",
	})

	// PreferenceDowngrades counts joins whose filter was forced to "any"
	// after the daily quota was exhausted.
	PreferenceDowngrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veil_preference_downgrades_total",
		Help: "Total number of preference downgrades due to the daily limit",
	})

	// StrikesTotal counts strikes recorded by the moderation engine.
	StrikesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veil_strikes_total",
		Help: "Total number of moderation strikes recorded",
	})

	// BansTotal counts moderation-triggered force disconnects.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veil_bans_total",
		Help: "Total number of ban disconnects issued",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		QueueDepth,
		MatchesTotal,
		EnqueuesTotal,
		MessagesRelayed,
		PreferenceDowngrades,
		StrikesTotal,
		BansTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
