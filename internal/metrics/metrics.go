// Package metrics holds the process-wide Prometheus collectors of the
// importer: HTTP traffic, job transitions, retries and the persistence path.
// Collectors register with the default registry on first use.
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

const namespace = "importer"

type collectors struct {
	httpRequests        *prometheus.CounterVec
	httpLatency         *prometheus.HistogramVec
	backoffRetries      *prometheus.CounterVec
	persistLatency      *prometheus.HistogramVec
	queueDepth          prometheus.Gauge
	jobTransitions      *prometheus.CounterVec
	submissionsRejected *prometheus.CounterVec
}

var (
	c    *collectors
	once sync.Once
)

func newCollectors(f promauto.Factory) *collectors {
	return &collectors{
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and route pattern.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1, 5},
		}, []string{"method", "route"}),
		backoffRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_retries_total",
			Help:      "Throttled attempts that were retried, by unit kind.",
		}, []string{"unit"}),
		persistLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Time to persist one queued question, by outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		}, []string{"outcome"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Questions buffered for persistence across active runs.",
		}),
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Import jobs by the status they entered.",
		}, []string{"status"}),
		submissionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submissions_rejected_total",
			Help:      "Job submissions refused before any work started, by reason.",
		}, []string{"reason"}),
	}
}

// Init registers the collectors with the default registry. Repeated calls
// are no-ops.
func Init() {
	once.Do(func() {
		c = newCollectors(promauto.With(prometheus.DefaultRegisterer))
	})
}

func get() *collectors {
	Init()
	return c
}

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, took time.Duration) {
	m := get()
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(took.Seconds())
}

// ObserveBackoffRetry counts one throttled attempt that will be retried.
func ObserveBackoffRetry(unit string) {
	get().backoffRetries.WithLabelValues(unit).Inc()
}

// ObservePersist records how long one queued question took.
func ObservePersist(outcome string, took time.Duration) {
	get().persistLatency.WithLabelValues(outcome).Observe(took.Seconds())
}

// AddQueueDepth moves the buffered-questions gauge by delta.
func AddQueueDepth(delta int) {
	get().queueDepth.Add(float64(delta))
}

// ObserveJob counts a job entering status.
func ObserveJob(status string) {
	get().jobTransitions.WithLabelValues(status).Inc()
}

// ObserveSubmissionRejected counts a refused job submission.
func ObserveSubmissionRejected(reason string) {
	get().submissionsRejected.WithLabelValues(reason).Inc()
}
