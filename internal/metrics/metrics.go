// Package metrics exposes Prometheus collectors for the acquisition core.
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
	crawlPagesTotal             *prometheus.CounterVec
	crawlPageDurationSeconds    *prometheus.HistogramVec
	crawlRecordsUpsertedTotal   *prometheus.CounterVec
	crawlCorruptionEventsTotal  *prometheus.CounterVec
	crawlRecoveryAttemptsTotal  *prometheus.CounterVec
	crawlTargetsSuspendedTotal  *prometheus.CounterVec
	governorLiveLeases          prometheus.Gauge
	governorLeaseWaitSeconds    prometheus.Histogram
	governorMemoryUsedMB        prometheus.Gauge
	governorWatermarkStopsTotal prometheus.Counter
	docsProcessedTotal          *prometheus.CounterVec
	docsPendingQueueDepth       prometheus.Gauge
	docsFetchedBytesTotal       *prometheus.CounterVec
	docExtractDurationSeconds   prometheus.Histogram
	docEmbedDurationSeconds     prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_pages_total",
				Help: "Listing pages processed, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		crawlPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_page_duration_seconds",
				Help:    "Histogram of navigate+extract latency per listing page.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"category"},
		)

		crawlRecordsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_records_upserted_total",
				Help: "Tender records written through the batch writer, labeled by category.",
			},
			[]string{"category"},
		)

		crawlCorruptionEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_corruption_events_total",
				Help: "Filter corruption detections, labeled by category.",
			},
			[]string{"category"},
		)

		crawlRecoveryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_recovery_attempts_total",
				Help: "Recovery attempts after corruption, labeled by category.",
			},
			[]string{"category"},
		)

		crawlTargetsSuspendedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_targets_suspended_total",
				Help: "Targets suspended after exhausting recovery attempts.",
			},
			[]string{"category"},
		)

		governorLiveLeases = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_live_leases",
				Help: "Automation context leases currently live.",
			},
		)

		governorLeaseWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "governor_lease_wait_seconds",
				Help:    "Histogram of time spent blocked in lease acquisition.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		governorMemoryUsedMB = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_memory_used_mb",
				Help: "Process memory as sampled by the governor, in MiB.",
			},
		)

		governorWatermarkStopsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_watermark_stops_total",
				Help: "Lease grants deferred because memory crossed the hard-stop watermark.",
			},
		)

		docsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs_processed_total",
				Help: "Documents leaving the pipeline, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		docsPendingQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "docs_pending_queue_depth",
				Help: "Documents waiting in pending or retry-scheduled state.",
			},
		)

		docsFetchedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs_fetched_bytes_total",
				Help: "Bytes of document payload fetched, labeled by host.",
			},
			[]string{"host"},
		)

		docExtractDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "doc_extract_duration_seconds",
				Help:    "Histogram of text extraction latency per document.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 60},
			},
		)

		docEmbedDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "doc_embed_duration_seconds",
				Help:    "Histogram of embedding computation latency per document.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
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

// SanitizeHost extracts a lowercase hostname for use as a metric label.
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
	return promhttp.Handler()
}

// ObservePage records one processed listing page.
func ObservePage(category, outcome string, duration time.Duration) {
	crawlPagesTotal.WithLabelValues(category, outcome).Inc()
	crawlPageDurationSeconds.WithLabelValues(category).Observe(duration.Seconds())
}

// ObserveRecordsUpserted adds to the upserted-record counter.
func ObserveRecordsUpserted(category string, count int) {
	if count > 0 {
		crawlRecordsUpsertedTotal.WithLabelValues(category).Add(float64(count))
	}
}

// ObserveCorruption counts one filter corruption detection.
func ObserveCorruption(category string) {
	crawlCorruptionEventsTotal.WithLabelValues(category).Inc()
}

// ObserveRecovery counts one recovery attempt.
func ObserveRecovery(category string) {
	crawlRecoveryAttemptsTotal.WithLabelValues(category).Inc()
}

// ObserveTargetSuspended counts one target suspension.
func ObserveTargetSuspended(category string) {
	crawlTargetsSuspendedTotal.WithLabelValues(category).Inc()
}

// SetLiveLeases updates the live lease gauge.
func SetLiveLeases(n int) {
	governorLiveLeases.Set(float64(n))
}

// ObserveLeaseWait records how long an acquire blocked.
func ObserveLeaseWait(duration time.Duration) {
	governorLeaseWaitSeconds.Observe(duration.Seconds())
}

// SetMemoryUsedMB updates the sampled memory gauge.
func SetMemoryUsedMB(mb int) {
	governorMemoryUsedMB.Set(float64(mb))
}

// ObserveWatermarkStop counts a grant deferred by the memory watermark.
func ObserveWatermarkStop() {
	governorWatermarkStopsTotal.Inc()
}

// ObserveDocument records one document leaving the pipeline.
func ObserveDocument(outcome string) {
	docsProcessedTotal.WithLabelValues(outcome).Inc()
}

// SetPendingDocuments updates the pending-queue depth gauge.
func SetPendingDocuments(n int) {
	docsPendingQueueDepth.Set(float64(n))
}

// ObserveDocumentFetch adds fetched payload bytes for a host.
func ObserveDocumentFetch(rawURL string, bytes int) {
	if bytes > 0 {
		docsFetchedBytesTotal.WithLabelValues(SanitizeHost(rawURL)).Add(float64(bytes))
	}
}

// ObserveExtraction records text extraction latency.
func ObserveExtraction(duration time.Duration) {
	docExtractDurationSeconds.Observe(duration.Seconds())
}

// ObserveEmbedding records embedding latency.
func ObserveEmbedding(duration time.Duration) {
	docEmbedDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
