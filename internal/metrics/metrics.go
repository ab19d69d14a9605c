// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal             *prometheus.CounterVec
	fetchDurationSeconds   prometheus.Histogram
	fetchAttemptsTotal     prometheus.Counter
	pagesSavedTotal        *prometheus.CounterVec
	pagesSkippedTotal      *prometheus.CounterVec
	documentsTotal         *prometheus.CounterVec
	bytesWrittenTotal      prometheus.Counter
	targetsActive          prometheus.Gauge
	frontierDepth          *prometheus.GaugeVec
	stateSaveErrorsTotal   prometheus.Counter
	rateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_total",
				Help: "Total number of fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies including retries.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)
		fetchAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Total number of requests issued to the fetch API.",
			},
		)
		pagesSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_saved_total",
				Help: "Total number of pages persisted, labeled by site.",
			},
			[]string{"site"},
		)
		pagesSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_skipped_total",
				Help: "Total number of fetched pages not persisted, labeled by reason.",
			},
			[]string{"reason"},
		)
		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_documents_total",
				Help: "Total number of document decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		bytesWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_bytes_written_total",
				Help: "Total number of content bytes written to the content store.",
			},
		)
		targetsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_targets_active",
				Help: "Number of targets currently being crawled.",
			},
		)
		frontierDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_frontier_depth",
				Help: "Number of queued frontier entries, labeled by target.",
			},
			[]string{"target"},
		)
		stateSaveErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_state_save_errors_total",
				Help: "Total number of failed crawl state saves.",
			},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
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

// ObserveFetch records one completed fetch call.
func ObserveFetch(outcome string, attempts int, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(outcome).Inc()
	fetchAttemptsTotal.Add(float64(attempts))
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObservePageSaved records a persisted page and the bytes written for it.
func ObservePageSaved(pageURL string, bytesWritten int64) {
	Init()
	pagesSavedTotal.WithLabelValues(SanitizeSite(pageURL)).Inc()
	ObserveBytes(bytesWritten)
}

// ObservePageSkipped records a fetched page that was not persisted.
func ObservePageSkipped(reason string) {
	Init()
	pagesSkippedTotal.WithLabelValues(reason).Inc()
}

// ObserveDocument records a document pipeline decision.
func ObserveDocument(outcome string) {
	Init()
	documentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBytes adds to the bytes written counter.
func ObserveBytes(n int64) {
	Init()
	if n > 0 {
		bytesWrittenTotal.Add(float64(n))
	}
}

// IncActiveTargets increments the active targets gauge.
func IncActiveTargets() {
	Init()
	targetsActive.Inc()
}

// DecActiveTargets decrements the active targets gauge.
func DecActiveTargets() {
	Init()
	targetsActive.Dec()
}

// SetFrontierDepth records the queued frontier size of a target.
func SetFrontierDepth(target string, depth int) {
	Init()
	frontierDepth.WithLabelValues(target).Set(float64(depth))
}

// ObserveStateSaveError counts a failed state save.
func ObserveStateSaveError() {
	Init()
	stateSaveErrorsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
