package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative document hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: websocket, document, snapshot (feature-level grouping)

var (
	// ActiveConnections tracks the current number of live sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveDocuments tracks the number of live authoritative replicas.
	ActiveDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "document",
		Name:      "replicas_active",
		Help:      "Current number of live document replicas",
	})

	// DocumentSubscribers tracks the number of sessions joined to each document.
	DocumentSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "document",
		Name:      "subscribers_count",
		Help:      "Number of sessions subscribed to each document",
	}, []string{"document_id"})

	// UpdatesProcessed counts CRDT updates by outcome (applied, denied, invalid).
	UpdatesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "document",
		Name:      "updates_total",
		Help:      "Total CRDT updates received, by outcome",
	}, []string{"outcome"})

	// DispatchDuration tracks time spent handling socket messages.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing socket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SnapshotSaves counts snapshot persistence attempts by status.
	SnapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "snapshot",
		Name:      "saves_total",
		Help:      "Total snapshot save attempts, by status",
	}, []string{"status"})

	// SnapshotSaveDuration tracks snapshot write latency.
	SnapshotSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "snapshot",
		Name:      "save_duration_seconds",
		Help:      "Time spent persisting document snapshots",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// RateLimitExceeded counts rejected requests per scope.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope", "key_type"})

	// CircuitBreakerState exposes the metadata store breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls short-circuited by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
