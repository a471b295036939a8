// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerPageErrorsTotal        *prometheus.CounterVec
	crawlerItemsTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerProxyPoolRecords       prometheus.Gauge
	crawlerProxyPoolEligible      prometheus.Gauge
	crawlerProxyHealth            *prometheus.GaugeVec
	crawlerProxyReportsTotal      *prometheus.CounterVec
	crawlerSinkQueueDepth         prometheus.Gauge
	crawlerPersistTotal           *prometheus.CounterVec
	crawlerPersistDurationSeconds prometheus.Histogram
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerActiveJobs             prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by spider and result.",
			},
			[]string{"spider", "result"},
		)

		crawlerPageErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_page_errors_total",
				Help: "Total page-level failures, labeled by spider and kind.",
			},
			[]string{"spider", "kind"},
		)

		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total parsed items, labeled by spider and disposition.",
			},
			[]string{"spider", "disposition"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by spider.",
			},
			[]string{"spider"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by spider.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"spider"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerProxyPoolRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_proxy_pool_records",
				Help: "Number of proxy records in the pool.",
			},
		)

		crawlerProxyPoolEligible = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_proxy_pool_eligible",
				Help: "Number of proxy records currently eligible for selection.",
			},
		)

		crawlerProxyHealth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_proxy_health",
				Help: "Health score per proxy address.",
			},
			[]string{"address"},
		)

		crawlerProxyReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_proxy_reports_total",
				Help: "Total proxy outcome reports, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerSinkQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_sink_queue_depth",
				Help: "Items waiting in the persistence queue.",
			},
		)

		crawlerPersistTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_persist_total",
				Help: "Total persistence outcomes, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerPersistDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_persist_duration_seconds",
				Help:    "Histogram of note persistence latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total job state transitions, labeled by spider and the state entered.",
			},
			[]string{"spider", "state"},
		)

		crawlerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_jobs",
				Help: "Number of jobs currently pending, running or paused.",
			},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one completed page fetch.
func ObservePage(spiderName string, ok bool, bytesFetched int, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	crawlerPagesTotal.WithLabelValues(spiderName, result).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(spiderName).Add(float64(bytesFetched))
	}
	crawlerFetchDurationSeconds.WithLabelValues(spiderName).Observe(duration.Seconds())
}

// ObservePageError counts one page-level failure by kind.
func ObservePageError(spiderName, kind string) {
	crawlerPageErrorsTotal.WithLabelValues(spiderName, kind).Inc()
}

// ObserveItem counts one parsed item by disposition.
func ObserveItem(spiderName, disposition string) {
	crawlerItemsTotal.WithLabelValues(spiderName, disposition).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetProxyPool updates the pool size gauges.
func SetProxyPool(records, eligible int) {
	crawlerProxyPoolRecords.Set(float64(records))
	crawlerProxyPoolEligible.Set(float64(eligible))
}

// SetProxyHealth publishes one record's health score.
func SetProxyHealth(address string, health float64) {
	crawlerProxyHealth.WithLabelValues(address).Set(health)
}

// ObserveProxyReport counts one outcome report against the pool.
func ObserveProxyReport(outcome string) {
	crawlerProxyReportsTotal.WithLabelValues(outcome).Inc()
}

// SetSinkQueueDepth publishes the persistence queue backlog.
func SetSinkQueueDepth(depth int) {
	crawlerSinkQueueDepth.Set(float64(depth))
}

// ObservePersist records one persistence outcome.
func ObservePersist(result string, duration time.Duration) {
	crawlerPersistTotal.WithLabelValues(result).Inc()
	crawlerPersistDurationSeconds.Observe(duration.Seconds())
}

// ObserveJob counts a job entering a state. Called on every
// transition, so running is observed on both start and resume.
func ObserveJob(spiderName, state string) {
	crawlerJobsTotal.WithLabelValues(spiderName, state).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	crawlerActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	crawlerActiveJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
