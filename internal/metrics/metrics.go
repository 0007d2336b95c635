// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_requests_total",
			Help: "Total crawl requests, labeled by requested mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	crawlStrategyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_strategy_attempts_total",
			Help: "Total strategy attempts, labeled by strategy and status.",
		},
		[]string{"strategy", "status"},
	)

	crawlStrategyDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_strategy_duration_seconds",
			Help:    "Histogram of strategy attempt durations.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"strategy"},
	)

	crawlCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_cache_lookups_total",
			Help: "Total content cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	crawlCacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawl_cache_evictions_total",
			Help: "Total content cache keys removed.",
		},
	)

	browserLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_browser_launches_total",
			Help: "Total browser launch attempts, labeled by status.",
		},
		[]string{"status"},
	)

	browserLeasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_browser_leases_total",
			Help: "Total browser leases handed out, labeled by whether the browser was reused.",
		},
		[]string{"reused"},
	)

	browserInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_browser_in_flight",
			Help: "Number of dynamic crawls currently holding a browser lease.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_rate_limit_delays_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
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
)

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

// ObserveCrawlRequest records the outcome of one crawl request.
func ObserveCrawlRequest(mode, outcome string) {
	crawlRequestsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveStrategy records one strategy attempt.
func ObserveStrategy(strategy, status string, duration time.Duration) {
	crawlStrategyTotal.WithLabelValues(strategy, status).Inc()
	crawlStrategyDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache lookup result (hit, miss or expired).
func ObserveCacheLookup(result string) {
	crawlCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheEviction records a key leaving the cache.
func ObserveCacheEviction() {
	crawlCacheEvictionsTotal.Inc()
}

// ObserveBrowserLaunch records a browser launch attempt.
func ObserveBrowserLaunch(status string) {
	browserLaunchesTotal.WithLabelValues(status).Inc()
}

// ObserveBrowserLease records a lease and bumps the in-flight gauge.
func ObserveBrowserLease(reused bool) {
	browserLeasesTotal.WithLabelValues(strconv.FormatBool(reused)).Inc()
	browserInFlight.Inc()
}

// ObserveBrowserRelease decrements the in-flight gauge.
func ObserveBrowserRelease() {
	browserInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ForgetRateLimitHost drops the delay series of a host that is no longer
// tracked by the limiter.
func ForgetRateLimitHost(domain string) {
	rateLimitDelaysSeconds.DeleteLabelValues(domain)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
