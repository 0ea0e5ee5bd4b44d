package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/j6k4m8/jque/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Query execution rate by outcome. Watch for: error vs success ratio.
	QueryExecutionsTotal *prometheus.CounterVec

	// Query execution latency. Watch for: p95 growth as collections grow.
	QueryDurationSeconds *prometheus.HistogramVec

	// Documents scanned by query runs. rate() gives scan throughput.
	DocumentsScannedTotal prometheus.Counter

	// Documents matched by query runs. Matched/scanned = filter selectivity.
	DocumentsMatchedTotal prometheus.Counter

	// Documents inserted. Watch for: write volume.
	DocumentsInsertedTotal prometheus.Counter

	// Total query requests. Watch for: traffic volume, rate() for QPS.
	QueriesTotal prometheus.Counter

	// Per-collection query count (allow-list; others go to "other").
	QueriesByCollectionTotal *prometheus.CounterVec

	// Cache hits by cache type. Hit rate = hits/(hits+executions).
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend errors by operation and reason (timeout, connection, unknown).
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and status.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Stampede events: concurrent misses for the same query key.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Concurrency level observed during stampedes.
	CacheStampedeConcurrency *prometheus.HistogramVec

	// Coalesced executions: callers that waited on another request's result.
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Time callers spent waiting on a coalesced result.
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Warming runs, failures, and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	circuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	circuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests observed at shutdown.
	shutdownInFlight prometheus.Gauge

	// trackedCollections is built from config; used to bound label cardinality.
	trackedCollectionsMu sync.RWMutex
	trackedCollections   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	QueryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queryExecutionsTotal",
			Help: "Total number of query executions against the store",
		},
		[]string{"status"},
	)
	QueryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryDurationSeconds",
			Help:    "Query execution latency in seconds (per run)",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"status"},
	)
	DocumentsScannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "documentsScannedTotal",
			Help: "Total documents scanned by query executions",
		},
	)
	DocumentsMatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "documentsMatchedTotal",
			Help: "Total documents matched by query executions",
		},
	)
	DocumentsInsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "documentsInsertedTotal",
			Help: "Total documents inserted into collections",
		},
	)
	QueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queriesTotal",
			Help: "Total number of query requests",
		},
	)
	QueriesByCollectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queriesByCollectionTotal",
			Help: "Query requests by collection (allow-list; others use collection=other)",
		},
		[]string{"collection"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of query cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and reason",
		},
		[]string{"operation", "reason"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Concurrent cache misses observed for the same query key",
		},
		[]string{"collection"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrency level during cache stampedes",
			Buckets: []float64{2, 3, 5, 10, 25, 50, 100},
		},
		[]string{"collection"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Query executions avoided by waiting on an identical in-flight query",
		},
		[]string{"collection"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced query result",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total query cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Query cache warming runs that had at least one failure",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Query cache warming run duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	circuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	shutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		QueryExecutionsTotal, QueryDurationSeconds,
		DocumentsScannedTotal, DocumentsMatchedTotal, DocumentsInsertedTotal,
		QueriesTotal, QueriesByCollectionTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RateLimitDeniedTotal,
		circuitBreakerState, circuitBreakerTransitionsTotal,
		shutdownInFlight,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the
// rate-limited path. Call from main after config load with
// cfg.OverloadWindow. Uses same window as lifecycle.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedCollections sets the allow-list for collection metrics.
// Non-tracked collections increment "other".
func SetTrackedCollections(names []string) {
	trackedCollectionsMu.Lock()
	defer trackedCollectionsMu.Unlock()
	trackedCollections = make(map[string]struct{}, len(names))
	for _, name := range names {
		trackedCollections[normalizeCollectionForMetrics(name)] = struct{}{}
	}
}

// RecordQuery records a query request for the given collection.
func RecordQuery(collection string) {
	QueriesTotal.Inc()
	QueriesByCollectionTotal.WithLabelValues(MetricCollectionLabel(collection)).Inc()
}

// MetricCollectionLabel resolves the label value for a collection: the
// normalized name when tracked, "other" otherwise.
func MetricCollectionLabel(collection string) string {
	name := normalizeCollectionForMetrics(collection)
	trackedCollectionsMu.RLock()
	_, ok := trackedCollections[name] // nil map read is safe in Go
	trackedCollectionsMu.RUnlock()
	if ok {
		return name
	}
	return "other"
}

func normalizeCollectionForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// RecordCircuitBreakerTransition records a breaker state change for metrics.
func RecordCircuitBreakerTransition(component, from, to string) {
	circuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the breaker state gauge for a component.
func SetCircuitBreakerStateGauge(component string, state float64) {
	circuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordShutdownInFlight records how many requests were in flight when
// shutdown began.
func RecordShutdownInFlight(n int64) {
	shutdownInFlight.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime
// metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
