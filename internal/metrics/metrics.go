// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerListingPagesTotal      *prometheus.CounterVec
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerCheckpointWritesTotal  *prometheus.CounterVec
	crawlerCategoryStopsTotal     *prometheus.CounterVec
	crawlerDedupKeys              *prometheus.GaugeVec
	crawlerActiveWorkers          *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerUpsertDurationSeconds  *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper
// calls it so collectors exist regardless of wiring order.
func Init() {
	once.Do(func() {
		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Candidates processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		crawlerListingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_listing_pages_total",
				Help: "Listing pages fetched, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Retries issued by the retry governor, labeled by source and error kind.",
			},
			[]string{"source", "error_kind"},
		)

		crawlerCheckpointWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_checkpoint_writes_total",
				Help: "Checkpoint writes, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		crawlerCategoryStopsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_category_stops_total",
				Help: "Category terminations, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		crawlerDedupKeys = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_dedup_keys",
				Help: "Natural keys held by the dedup index per source.",
			},
			[]string{"source"},
		)

		crawlerActiveWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Workers currently processing a candidate.",
			},
			[]string{"source"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		crawlerUpsertDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_upsert_duration_seconds",
				Help:    "Sink upsert latency, labeled by collection.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"collection"},
		)

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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecord counts one candidate outcome.
func ObserveRecord(source, outcome string) {
	Init()
	crawlerRecordsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveListingPage counts one listing fetch.
func ObserveListingPage(source, result string) {
	Init()
	crawlerListingPagesTotal.WithLabelValues(source, result).Inc()
}

// ObserveRetry counts one retry.
func ObserveRetry(source, errorKind string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(source, errorKind).Inc()
}

// ObserveCheckpoint counts one checkpoint write attempt.
func ObserveCheckpoint(source string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	crawlerCheckpointWritesTotal.WithLabelValues(source, result).Inc()
}

// ObserveCategoryStop counts one category termination.
func ObserveCategoryStop(source, reason string) {
	Init()
	crawlerCategoryStopsTotal.WithLabelValues(source, reason).Inc()
}

// SetDedupKeys records the dedup index size for a source.
func SetDedupKeys(source string, n int) {
	Init()
	crawlerDedupKeys.WithLabelValues(source).Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(source string) {
	Init()
	crawlerActiveWorkers.WithLabelValues(source).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(source string) {
	Init()
	crawlerActiveWorkers.WithLabelValues(source).Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveUpsert records sink latency.
func ObserveUpsert(collection string, duration time.Duration) {
	Init()
	crawlerUpsertDurationSeconds.WithLabelValues(collection).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
