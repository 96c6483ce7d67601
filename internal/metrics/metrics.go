// Package metrics exposes Prometheus collectors for the acquisition engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	taskRetriesTotal           *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	rateLimitIntervalSeconds   *prometheus.GaugeVec
	dedupEvictionsTotal        *prometheus.CounterVec
	persistRetriesTotal        prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once; every Observe helper calls it.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquisition_tasks_total",
				Help: "Task executions partitioned by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acquisition_task_duration_seconds",
				Help:    "Wall time of one task execution, including rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		)

		taskRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquisition_task_requeues_total",
				Help: "Tasks put back on the queue, partitioned by reason.",
			},
			[]string{"reason"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "acquisition_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "acquisition_queue_depth",
				Help: "Tasks waiting in the scheduler queue.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acquisition_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a rate limiter slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		rateLimitIntervalSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "acquisition_rate_limit_interval_seconds",
				Help: "Current minimum inter-request interval per source.",
			},
			[]string{"source"},
		)

		dedupEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquisition_dedup_evictions_total",
				Help: "Fingerprints evicted from the dedup index by the capacity cap.",
			},
			[]string{"scope"},
		)

		persistRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "acquisition_persist_retries_total",
				Help: "Storage writes retried after a transient failure.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acquisition_jobs_total",
				Help: "Jobs reaching a lifecycle status.",
			},
			[]string{"status"},
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

// Label normalizes a free-form value for use as a label, mapping empty input
// to "unknown".
func Label(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveTask records one task execution.
func ObserveTask(source, outcome string, d time.Duration) {
	Init()
	src := Label(source)
	tasksTotal.WithLabelValues(src, Label(outcome)).Inc()
	if d > 0 {
		taskDurationSeconds.WithLabelValues(src).Observe(d.Seconds())
	}
}

// ObserveRequeue counts a task put back on the queue.
func ObserveRequeue(reason string) {
	Init()
	taskRetriesTotal.WithLabelValues(Label(reason)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records the scheduler queue length.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(Label(source)).Observe(d.Seconds())
}

// SetRateLimitInterval records the current interval of a source.
func SetRateLimitInterval(source string, d time.Duration) {
	Init()
	rateLimitIntervalSeconds.WithLabelValues(Label(source)).Set(d.Seconds())
}

// ObserveDedupEviction counts a fingerprint dropped by the capacity cap.
func ObserveDedupEviction(scope string) {
	Init()
	dedupEvictionsTotal.WithLabelValues(Label(scope)).Inc()
}

// ObservePersistRetry counts a retried storage write.
func ObservePersistRetry() {
	Init()
	persistRetriesTotal.Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(Label(status)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
