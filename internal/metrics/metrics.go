// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_jobs_total",
			Help: "Jobs that reached a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_admissions_total",
			Help: "Submission outcomes: accepted, cached, rejected, invalid.",
		},
		[]string{"outcome"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrape_active_workers",
			Help: "Number of workers currently executing a job.",
		},
	)

	rateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_ratelimit_decisions_total",
			Help: "Rate limiter decisions, labeled by decision.",
		},
		[]string{"decision"},
	)

	rateLimitDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_ratelimit_degraded_total",
			Help: "Rate limiter backend failures that were failed open.",
		},
		[]string{"op"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_cache_lookups_total",
			Help: "Result cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	robotsFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_robots_fallback_total",
			Help: "robots.txt evaluations that fell back to allow, labeled by reason.",
		},
		[]string{"reason"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_fetch_duration_seconds",
			Help:    "Retrieval latency, labeled by strategy and outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_fetch_bytes_total",
			Help: "Bytes retrieved, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	extractionFieldFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrape_extraction_field_failures_total",
			Help: "Extraction rules that yielded an empty list because they failed.",
		},
	)

	politenessDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrape_politeness_delay_seconds",
			Help:    "Time spent waiting on per-origin politeness limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob counts a terminal job.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAdmission counts a submission outcome.
func ObserveAdmission(outcome string) {
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDecision counts one limiter decision.
func ObserveRateLimitDecision(admitted bool) {
	decision := "rejected"
	if admitted {
		decision = "admitted"
	}
	rateLimitDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveRateLimitDegraded counts a limiter backend failure.
func ObserveRateLimitDegraded(op string) {
	rateLimitDegradedTotal.WithLabelValues(op).Inc()
}

// ObserveCacheLookup counts a cache lookup: "hit", "miss" or "error".
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsFallback counts a permissive robots.txt fallback.
func ObserveRobotsFallback(reason string) {
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveFetch records retrieval latency and size. Target hosts are
// caller-supplied, so they never become label values.
func ObserveFetch(strategy, outcome string, bytesFetched int, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(strategy, outcome).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(strategy).Add(float64(bytesFetched))
	}
}

// ObserveExtractionFieldFailure counts a failed extraction rule.
func ObserveExtractionFieldFailure() {
	extractionFieldFailuresTotal.Inc()
}

// ObservePolitenessDelay records the duration of a politeness wait.
func ObservePolitenessDelay(duration time.Duration) {
	politenessDelaySeconds.Observe(duration.Seconds())
}
