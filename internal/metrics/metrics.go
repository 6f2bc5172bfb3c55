// Package metrics holds the Prometheus collectors shared by the resilience
// components. All collectors are registered on the default registry through
// promauto and exposed by the HTTP layer on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheRequests counts cache reads by backend ("redis", "memory") and result ("hit", "miss").
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cache_requests_total",
			Help: "Total number of cache reads by backend and result",
		},
		[]string{"backend", "result"},
	)

	// CacheFallbacks counts operations that fell back to the memory backend.
	CacheFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cache_fallbacks_total",
			Help: "Total number of cache operations served by the memory fallback after a backend error",
		},
		[]string{"operation"}, // "get", "set", "delete", "flush"
	)

	// CacheBackendUp is 1 while the network cache backend is in use.
	CacheBackendUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_cache_backend_up",
			Help: "Whether the network cache backend is currently healthy (1) or bypassed (0)",
		},
	)

	// CacheBackendTransitions counts health transitions of the network backend.
	CacheBackendTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cache_backend_transitions_total",
			Help: "Total number of network cache backend health transitions",
		},
		[]string{"to"}, // "up", "down"
	)

	// BreakerState reports the breaker state per dependency: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scribe_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// BreakerRejections counts calls refused because the breaker was open.
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_circuit_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	// BreakerTimeouts counts guarded calls abandoned after the operation timeout.
	BreakerTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_circuit_breaker_timeouts_total",
			Help: "Total number of guarded calls that exceeded the operation timeout",
		},
		[]string{"name"},
	)

	// RateLimitDecisions counts limiter decisions by class and outcome.
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_rate_limit_decisions_total",
			Help: "Total number of rate limit decisions by route class and outcome",
		},
		[]string{"class", "outcome"}, // "allowed", "rejected", "fail_open"
	)

	// Errors counts tracked errors by kind.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_errors_total",
			Help: "Total number of tracked errors by kind",
		},
		[]string{"kind"},
	)

	// ErrorAnomalies counts high error rate alerts by kind.
	ErrorAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_error_anomalies_total",
			Help: "Total number of high error rate alerts by kind",
		},
		[]string{"kind"},
	)

	// FeedResponses counts feed responses by kind and source ("cache", "provider", "fallback").
	FeedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_feed_responses_total",
			Help: "Total number of feed responses by kind and source",
		},
		[]string{"kind", "source"},
	)
)
