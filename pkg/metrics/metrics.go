// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts inbound HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTPRequestDuration tracks inbound HTTP latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "endpoint"},
	)

	// UpstreamRequestDuration tracks the latency of single attempts against Ollama.
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ollama_request_duration_seconds",
			Help:    "Ollama API request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	// UpstreamRetriesTotal counts backoff waits between attempts.
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total number of upstream retry attempts.",
		},
		[]string{"operation"},
	)

	// UpstreamFailuresTotal counts failed attempts by error kind.
	UpstreamFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_failures_total",
			Help: "Total number of failed upstream attempts by kind.",
		},
		[]string{"kind"},
	)

	// CircuitBreakerState tracks the breaker state.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		},
	)

	// CircuitBreakerTrips counts closed->open transitions.
	CircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of times the circuit breaker opened.",
		},
	)

	// CacheHitsTotal tracks the total number of cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of response cache hits.",
		},
	)

	// CacheLookupsTotal tracks the total number of cache lookups.
	CacheLookupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of response cache lookups.",
		},
	)

	// CacheHitRatio is hits / lookups since start.
	CacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_hit_ratio",
			Help: "Current cache hit ratio (hits / lookups). Computed per-update.",
		},
	)

	// ActiveRequests tracks the number of currently in-flight requests.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_requests",
			Help: "Number of currently in-flight generation requests.",
		},
	)

	// RequestsTotal tracks generation requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of generation requests by status.",
		},
		[]string{"status"}, // "success", "error", "cache_hit"
	)

	// RateLimitPerMinute exposes the configured (not enforced) rate limit.
	RateLimitPerMinute = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limit_per_minute",
			Help: "Configured requests-per-minute limit. Informational only.",
		},
	)

	ratioMu      sync.Mutex
	totalHits    float64
	totalLookups float64
)

// RecordCacheLookup records a cache lookup and updates the hit ratio.
func RecordCacheLookup(hit bool) {
	CacheLookupsTotal.Inc()
	if hit {
		CacheHitsTotal.Inc()
	}

	ratioMu.Lock()
	defer ratioMu.Unlock()
	totalLookups++
	if hit {
		totalHits++
	}
	CacheHitRatio.Set(totalHits / totalLookups)
}

// SetCircuitState publishes the breaker state as a number.
func SetCircuitState(state int) {
	CircuitBreakerState.Set(float64(state))
}
