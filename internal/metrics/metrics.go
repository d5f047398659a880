// Package metrics exposes Prometheus collectors for the ingestion service.
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
	fetchTotal                 *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	queueMessagesTotal         *prometheus.CounterVec
	triggerTotal               *prometheus.CounterVec
	cacheReadsTotal            *prometheus.CounterVec
	scrapesInFlight            prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_total",
				Help: "Fetches performed, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_retries_total",
				Help: "Fetch attempts that were retried, labeled by host.",
			},
			[]string{"host"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Scrape jobs finished, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Scraped item transitions, labeled by item type and status.",
			},
			[]string{"type", "status"},
		)

		queueMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_queue_messages_total",
				Help: "Queue messages handled, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)

		triggerTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_trigger_total",
				Help: "Real-time scrape trigger results, labeled by status.",
			},
			[]string{"status"},
		)

		cacheReadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cache_reads_total",
				Help: "Real-time view reads, labeled by result (hit, stale, miss).",
			},
			[]string{"result"},
		)

		scrapesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_scrapes_in_flight",
				Help: "Scrapes currently running.",
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

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one finished fetch for the URL's host.
func ObserveFetch(rawURL, outcome string) {
	Init()
	fetchTotal.WithLabelValues(SanitizeHost(rawURL), outcome).Inc()
}

// ObserveFetchRetry counts one retried attempt.
func ObserveFetchRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeHost(rawURL)).Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveJob counts a job reaching a terminal status.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveItem counts an item created or advanced to status.
func ObserveItem(itemType, status string) {
	Init()
	itemsTotal.WithLabelValues(itemType, status).Inc()
}

// ObserveQueueMessage counts a handled delivery.
func ObserveQueueMessage(queue, outcome string) {
	Init()
	queueMessagesTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveTrigger counts a trigger request by its returned status.
func ObserveTrigger(status string) {
	Init()
	triggerTotal.WithLabelValues(status).Inc()
}

// ObserveCacheRead counts a real-time view read.
func ObserveCacheRead(result string) {
	Init()
	cacheReadsTotal.WithLabelValues(result).Inc()
}

// IncScrapesInFlight increments the running scrape gauge.
func IncScrapesInFlight() {
	Init()
	scrapesInFlight.Inc()
}

// DecScrapesInFlight decrements the running scrape gauge.
func DecScrapesInFlight() {
	Init()
	scrapesInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
