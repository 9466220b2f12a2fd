// Package metrics exposes Prometheus collectors for the scraper service.
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
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	groupsTotal                *prometheus.CounterVec
	postsExtractedTotal        prometheus.Counter
	recordsDroppedTotal        *prometheus.CounterVec
	mediaFetchTotal            *prometheus.CounterVec
	mediaSweptTotal            prometheus.Counter
	webhookDeliveriesTotal     *prometheus.CounterVec
	scrollIterations           prometheus.Histogram
	jobDurationSeconds         prometheus.Histogram
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapper_jobs_total",
				Help: "Total number of scrape jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapper_active_jobs",
				Help: "Number of scrape jobs currently running.",
			},
		)

		groupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapper_groups_total",
				Help: "Total number of groups processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		postsExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapper_posts_extracted_total",
				Help: "Total number of posts stored by the interceptor.",
			},
		)

		recordsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapper_records_dropped_total",
				Help: "Total number of feed records discarded, labeled by reason.",
			},
			[]string{"reason"},
		)

		mediaFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapper_media_fetch_total",
				Help: "Total number of media downloads, labeled by result.",
			},
			[]string{"result"},
		)

		mediaSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapper_media_swept_total",
				Help: "Total number of media files removed by the retention sweep.",
			},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapper_webhook_deliveries_total",
				Help: "Total number of webhook deliveries, labeled by result.",
			},
			[]string{"result"},
		)

		scrollIterations = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrapper_scroll_iterations",
				Help:    "Histogram of scroll iterations per group.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrapper_job_duration_seconds",
				Help:    "Histogram of scrape job durations.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapper_rate_limit_delays_seconds",
				Help:    "Histogram of media rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	Init()
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveGroup records one processed group.
func ObserveGroup(outcome string, iterations int) {
	Init()
	groupsTotal.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		scrollIterations.Observe(float64(iterations))
	}
}

// ObservePostExtracted counts a post stored by the interceptor.
func ObservePostExtracted() {
	Init()
	postsExtractedTotal.Inc()
}

// ObserveRecordDropped counts a discarded feed record.
func ObserveRecordDropped(reason string) {
	Init()
	recordsDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveMediaFetch counts one media download attempt.
func ObserveMediaFetch(result string) {
	Init()
	mediaFetchTotal.WithLabelValues(result).Inc()
}

// ObserveMediaSwept counts files removed by the retention sweep.
func ObserveMediaSwept(n int) {
	Init()
	mediaSweptTotal.Add(float64(n))
}

// ObserveWebhook counts one webhook delivery attempt.
func ObserveWebhook(result string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
