package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the gridsync realtime fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: gridsync (application-level grouping)
// - subsystem: websocket, hub, router, sync, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, games, pending updates)
// - Counter: Cumulative events (updates published, conflicts resolved)
// - Histogram: Latency distributions (dispatch time)

var (
	// ActiveWebSocketConnections tracks the current number of live sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveGames tracks the current number of game rooms on this process.
	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "hub",
		Name:      "games_active",
		Help:      "Current number of game rooms with at least one member",
	})

	// GameMembers tracks the number of sessions in each game room.
	GameMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "hub",
		Name:      "game_members_count",
		Help:      "Number of sessions joined to each game room",
	}, []string{"game_id"})

	// TransportEvents counts inbound transport events by type and status.
	TransportEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound transport events processed",
	}, []string{"event_type", "status"})

	// ChunkUpdatesPublished counts chunk-update batches published by the router.
	ChunkUpdatesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "router",
		Name:      "chunk_updates_published_total",
		Help:      "Total chunk update batches published by this process",
	})

	// ChunkUpdatesReceived counts chunk-update envelopes received from the bus.
	ChunkUpdatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "router",
		Name:      "chunk_updates_received_total",
		Help:      "Total chunk update envelopes received from the bus",
	}, []string{"status"})

	// ChunkSubscriptions tracks current chunk sub-room memberships.
	ChunkSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "router",
		Name:      "chunk_subscriptions_active",
		Help:      "Current number of (session, chunk) subscriptions on this process",
	})

	// PendingOptimisticUpdates tracks unacknowledged optimistic updates.
	PendingOptimisticUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "sync",
		Name:      "pending_updates",
		Help:      "Current number of pending optimistic updates",
	})

	// ConflictsResolved counts conflict resolutions by policy.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "sync",
		Name:      "conflicts_resolved_total",
		Help:      "Total optimistic/authoritative conflicts resolved",
	}, []string{"policy"})

	// AckTimeouts counts optimistic updates whose acknowledgement timer fired.
	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "sync",
		Name:      "ack_timeouts_total",
		Help:      "Total optimistic updates that timed out waiting for acknowledgement",
	})

	// BusMessagesDropped counts undecodable or dropped bus frames.
	BusMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "bus",
		Name:      "messages_dropped_total",
		Help:      "Total bus frames dropped (malformed payloads, echo suppression)",
	}, []string{"reason"})

	// CircuitBreakerState reports the bus circuit breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected because the circuit breaker was open",
	}, []string{"service"})

	// RateLimitExceeded counts rejected requests by surface and key type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"surface", "key_type"})

	// DispatchDuration tracks time spent dispatching inbound bus envelopes.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gridsync",
		Subsystem: "bus",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching inbound bus envelopes to handlers",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"envelope_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
