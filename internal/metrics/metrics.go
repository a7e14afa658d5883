package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router metrics
	EventsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_events_routed_total",
			Help: "Total number of change events delivered to a route",
		},
		[]string{"route"},
	)

	ConsumerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_consumer_attempts_total",
			Help: "Total number of consumer invocations",
		},
		[]string{"route", "status"}, // success/error
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_dead_letters_total",
			Help: "Total number of events surfaced as permanent failures",
		},
		[]string{"route"},
	)

	ConsumerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polychain_consumer_duration_seconds",
			Help:    "Duration of a single consumer invocation",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"route"},
	)

	// Leg lifecycle
	BetTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_bet_transitions_total",
			Help: "Total number of bet status transitions written",
		},
		[]string{"status"},
	)

	UserChainTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_user_chain_transitions_total",
			Help: "Total number of user chain status transitions written",
		},
		[]string{"status"},
	)

	CASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_cas_conflicts_total",
			Help: "Total number of conditional writes whose precondition no longer held",
		},
		[]string{"component"},
	)

	// Venue metrics
	VenueRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_venue_requests_total",
			Help: "Total number of venue requests",
		},
		[]string{"operation", "status"},
	)

	VenueRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polychain_venue_request_duration_seconds",
			Help:    "Duration of venue requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	// Fees
	FeeCollections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_fee_collections_total",
			Help: "Total number of fee collection attempts",
		},
		[]string{"status"}, // scheduled/collected/retry/failed
	)

	// Live subscribers
	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polychain_ws_subscribers",
			Help: "Currently connected live subscribers",
		},
		[]string{"channel"},
	)

	// Operator alerts
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_bus_dropped_total",
			Help: "Live messages dropped because a bus subscriber fell behind",
		},
		[]string{"channel"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_http_requests_total",
			Help: "HTTP requests by route pattern and status",
		},
		[]string{"route", "status"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_alerts_total",
			Help: "Total number of operator alerts by sender and result",
		},
		[]string{"sender", "status"}, // sent/error/suppressed
	)

	// Outbox relay
	ChangesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polychain_changes_relayed_total",
			Help: "Total number of outbox rows published to the feed transport",
		},
	)

	MarketSyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polychain_market_sync_runs_total",
			Help: "Total number of market sync passes",
		},
		[]string{"status"},
	)
)

// RecordConsumer records one consumer invocation.
func RecordConsumer(route string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ConsumerAttempts.WithLabelValues(route, status).Inc()
	ConsumerDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordVenueRequest records venue request metrics.
func RecordVenueRequest(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	VenueRequests.WithLabelValues(operation, status).Inc()
	VenueRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
