// Package metrics exposes Prometheus collectors for the crawl service.
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
	submissionsTotal    *prometheus.CounterVec
	webhookResultsTotal *prometheus.CounterVec
	parseFailuresTotal  *prometheus.CounterVec
	parseShapeExhausted prometheus.Counter
	pacingDelaySeconds  prometheus.Histogram
	queueReady          *prometheus.GaugeVec
	jobsTotal           *prometheus.CounterVec
	selfTestOK          prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Webhook outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeGhost     = "ghost"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_submissions_total",
				Help: "URLs submitted to the fetcher, labeled by url kind.",
			},
			[]string{"kind"},
		)
		webhookResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_webhook_results_total",
				Help: "Webhook results processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		parseFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_parse_failures_total",
				Help: "Catalog parse failures, labeled by failure kind.",
			},
			[]string{"kind"},
		)
		parseShapeExhausted = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_parse_shape_exhausted_total",
				Help: "Items whose final two attempts both failed with a shape error; signals a catalog page change.",
			},
		)
		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_pacing_delay_seconds",
				Help:    "Pacing delays drawn between consecutive submissions.",
				Buckets: []float64{1, 2.5, 5, 7.5, 10, 12.5, 15, 30, 60},
			},
		)
		queueReady = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_ready",
				Help: "Ready pending items per job.",
			},
			[]string{"job_id"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Job terminal transitions, labeled by status.",
			},
			[]string{"status"},
		)
		selfTestOK = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_selftest_ok",
				Help: "1 once the startup webhook self-test round-trip succeeded.",
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests, labeled by method and status code.",
			},
			[]string{"method", "code"},
		)
		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission counts a fetcher submission.
func ObserveSubmission(kind string) {
	submissionsTotal.WithLabelValues(kind).Inc()
}

// ObserveWebhookResult counts a processed webhook result by outcome.
func ObserveWebhookResult(outcome string) {
	webhookResultsTotal.WithLabelValues(outcome).Inc()
}

// ObserveParseFailure counts a parse failure by kind.
func ObserveParseFailure(kind string) {
	parseFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveParseShapeExhausted counts an item that shape-failed through all
// retries.
func ObserveParseShapeExhausted() {
	parseShapeExhausted.Inc()
}

// ObservePacingDelay records a drawn pacing delay.
func ObservePacingDelay(d time.Duration) {
	pacingDelaySeconds.Observe(d.Seconds())
}

// SetQueueReady records the ready depth for a job.
func SetQueueReady(jobID string, n int) {
	queueReady.WithLabelValues(jobID).Set(float64(n))
}

// ObserveJob counts a job terminal transition.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// SetSelfTestOK flips the self-test gauge.
func SetSelfTestOK(ok bool) {
	if ok {
		selfTestOK.Set(1)
	} else {
		selfTestOK.Set(0)
	}
}

// ObserveHTTPRequest records a served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
