// Package metrics declares the Prometheus instrumentation surface for the
// gateway: connection/media health (kept from the SFU media plane) plus the
// domain counters for seats, gifts, relay, rate limiting, and auto-close.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection / media health
	ICEConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_ice_connection_state",
		Help: "Current ICE connection state counts",
	}, []string{"state"})

	JitterMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_jitter_ms",
		Help:    "Jitter in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200},
	}, []string{"room"})

	RttMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_rtt_ms",
		Help:    "Round-trip time in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 200, 500, 1000},
	}, []string{"room"})

	PLIRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_pli_requests_total",
		Help: "Total Picture Loss Indication / keyframe requests",
	})

	// Redis health
	RedisLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_redis_latency_ms",
		Help:    "Redis operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50},
	})

	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_redis_errors_total",
		Help: "Total Redis errors observed by any component",
	})

	// Connections / rooms
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Number of currently connected clients",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_rooms_active",
		Help: "Number of currently active rooms on this node",
	})

	RoomsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rooms_closed_total",
		Help: "Total rooms closed, by reason",
	}, []string{"reason"})

	// AuthGate
	AuthOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_outcomes_total",
		Help: "AuthGate outcomes by result",
	}, []string{"outcome"})

	// RateLimiter
	RateLimitRefusalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_refusals_total",
		Help: "Total requests refused by the rate limiter, by action",
	}, []string{"action"})

	// Seat operations
	SeatOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_seat_operations_total",
		Help: "Total seat operations by kind and outcome",
	}, []string{"op", "outcome"})

	// HandlerEnvelope
	HandlerDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_handler_duration_ms",
		Help:    "Handler execution duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"op"})

	HandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handler_errors_total",
		Help: "Total handler failures by error code",
	}, []string{"op", "code"})

	// RelayIngress
	RelayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_relay_events_total",
		Help: "Total relay events observed, by delivery outcome",
	}, []string{"event", "delivered"})

	RelayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_relay_in_flight",
		Help: "Relay handlers currently executing",
	})

	RelayProcessingMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_relay_processing_ms",
		Help:    "Relay event processing duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
	}, []string{"event"})

	// GiftBatcher
	GiftsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_gifts_enqueued_total",
		Help: "Total gift transactions enqueued",
	})

	GiftsFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_gifts_flushed_total",
		Help: "Total gift transactions flushed, by outcome",
	}, []string{"outcome"})

	GiftsDeadLetter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_gifts_dead_letter",
		Help: "Total gift transactions moved to the dead letter queue",
	})

	// AutoCloseLoop
	AutoCloseSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_autoclose_sweeps_total",
		Help: "Total autoclose sweep passes executed",
	})

	AutoCloseRoomsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_autoclose_rooms_closed_total",
		Help: "Total rooms closed by the autoclose sweep",
	})

	// Backend circuit breaker
	BackendBreakerStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_breaker_state_changes_total",
		Help: "Backend circuit breaker state transitions",
	}, []string{"from", "to"})

	BackendRequestDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_backend_request_duration_ms",
		Help:    "Backend HTTP request duration in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"route", "outcome"})
)

func RecordICEState(state string, delta float64) {
	ICEConnectionState.WithLabelValues(state).Add(delta)
}

func RecordPLI() {
	PLIRequestsTotal.Inc()
}

func RecordSeatOp(op, outcome string) {
	SeatOperationsTotal.WithLabelValues(op, outcome).Inc()
}

func RecordAuthOutcome(outcome string) {
	AuthOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordRateLimitRefusal(action string) {
	RateLimitRefusalsTotal.WithLabelValues(action).Inc()
}

func RecordRoomClosed(reason string) {
	RoomsClosedTotal.WithLabelValues(reason).Inc()
}
