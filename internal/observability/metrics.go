package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/bulletin-weather-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Bulletin fetch attempts by transport (http, ftp) and status.
	BulletinFetchesTotal *prometheus.CounterVec

	// Bulletin fetch latency. Watch for: p95 approaching fetch timeout.
	BulletinFetchDuration *prometheus.HistogramVec

	// Retry attempts after a failed fetch. Watch for: sustained retries = unstable upstream.
	BulletinFetchRetriesTotal prometheus.Counter

	// Failed fetch attempts by error category.
	BulletinFetchErrorsTotal *prometheus.CounterVec

	// Refreshes that gave up after the retry budget was spent.
	BulletinFetchExhaustedTotal prometheus.Counter

	// Cache lookups by result: hit, miss, stale, corrupt.
	CacheLookupsTotal *prometheus.CounterVec

	// Store operation failures by backend and operation.
	CacheErrorsTotal *prometheus.CounterVec

	// Time spent refreshing the cache (fetch + persist).
	CacheRefreshDuration prometheus.Histogram

	// Age of the bulletin served by the last successful EnsureFresh.
	BulletinAgeSeconds prometheus.Gauge

	// Update calls by status (success, not_found, error).
	UpdatesTotal *prometheus.CounterVec

	// Per-city update count (allow-list; others go to "other").
	UpdatesByCityTotal *prometheus.CounterVec

	// Callers that shared an in-flight update instead of starting their own.
	UpdateCoalescedTotal prometheus.Counter

	// Scheduled refresh runs by status.
	ScheduledRefreshTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	trafficGaugesOnce sync.Once
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
	BulletinFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletinFetchesTotal",
			Help: "Total number of bulletin fetch attempts",
		},
		[]string{"transport", "status"},
	)
	BulletinFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulletinFetchDurationSeconds",
			Help:    "Bulletin fetch latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"transport", "status"},
	)
	BulletinFetchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bulletinFetchRetriesTotal",
			Help: "Total number of retry attempts for bulletin fetches",
		},
	)
	BulletinFetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulletinFetchErrorsTotal",
			Help: "Failed bulletin fetch attempts by error category",
		},
		[]string{"category"},
	)
	BulletinFetchExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bulletinFetchExhaustedTotal",
			Help: "Bulletin refreshes abandoned after exhausting the retry budget",
		},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Bulletin cache lookups by result (hit, miss, stale, corrupt)",
		},
		[]string{"result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Bulletin store failures by backend and operation",
		},
		[]string{"backend", "operation"},
	)
	CacheRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheRefreshDurationSeconds",
			Help:    "Time to refresh the bulletin cache (fetch and persist)",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	BulletinAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bulletinAgeSeconds",
			Help: "Age of the most recently served bulletin in seconds",
		},
	)
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updatesTotal",
			Help: "Weather snapshot updates by status",
		},
		[]string{"status"},
	)
	UpdatesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updatesByCityTotal",
			Help: "Weather snapshot updates by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	UpdateCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "updateCoalescedTotal",
			Help: "Update calls served by joining an in-flight update",
		},
	)
	ScheduledRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduledRefreshTotal",
			Help: "Scheduled refresh runs by status",
		},
		[]string{"status"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		BulletinFetchesTotal, BulletinFetchDuration, BulletinFetchRetriesTotal,
		BulletinFetchErrorsTotal, BulletinFetchExhaustedTotal,
		CacheLookupsTotal, CacheErrorsTotal, CacheRefreshDuration, BulletinAgeSeconds,
		UpdatesTotal, UpdatesByCityTotal, UpdateCoalescedTotal, ScheduledRefreshTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
	)
}

// RegisterTrafficGauges registers sliding-window gauges fed by the traffic tracker.
// Call once from main after config load; later calls are no-ops.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "updatesInWindow",
					Help: "Update outcomes (success, error, denied) in the sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "updateErrorsInWindow",
					Help: "Failed updates in the sliding window",
				},
				func() float64 {
					errs, _ := traffic.ErrorRate(window)
					return float64(errs)
				},
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition counts a breaker transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// SetTrackedCities sets the allow-list for per-city metrics. Other cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// RecordUpdate records one update for city with the given status.
func RecordUpdate(city, status string) {
	UpdatesTotal.WithLabelValues(status).Inc()
	UpdatesByCityTotal.WithLabelValues(MetricCityLabel(city)).Inc()
}

// MetricCityLabel returns the normalized city when tracked, otherwise "other".
func MetricCityLabel(city string) string {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c] // nil map read is safe in Go
	trackedCitiesMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
