// Package metrics holds the Prometheus collectors for codecollect. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codecollect"

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	Subscribers    prometheus.Gauge

	FilesRendered  *prometheus.CounterVec
	RenderFailures prometheus.Counter
	SplitParts     *prometheus.CounterVec
	OversizeParts  prometheus.Counter
	Measurements   prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TasksSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "submitted_total",
			Help:      "Tasks accepted by the orchestrator, by kind.",
		}, []string{"kind"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal state, by kind and status.",
		}, []string{"kind", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time from start to terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "subscribers",
			Help:      "Open progress subscriptions.",
		}),

		FilesRendered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "files_total",
			Help:      "Source files rendered into pages, by category.",
		}, []string{"category"}),
		RenderFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "failures_total",
			Help:      "Source files that could not be rendered.",
		}),
		SplitParts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "split",
			Name:      "parts_total",
			Help:      "Documents emitted by the splitter, by category.",
		}, []string{"category"}),
		OversizeParts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "split",
			Name:      "oversize_parts_total",
			Help:      "Single-page documents larger than the size limit.",
		}),
		Measurements: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "split",
			Name:      "measurements",
			Help:      "Candidate documents assembled and measured per split.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TaskSubmitted(kind string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(kind, status).Inc()
	m.TaskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

func (m *Metrics) FileRendered(category string) {
	if m == nil {
		return
	}
	m.FilesRendered.WithLabelValues(category).Inc()
}

func (m *Metrics) RenderFailed() {
	if m == nil {
		return
	}
	m.RenderFailures.Inc()
}

// SplitDone records the outcome of one split.
func (m *Metrics) SplitDone(category string, parts, oversize, measurements int) {
	if m == nil {
		return
	}
	m.SplitParts.WithLabelValues(category).Add(float64(parts))
	m.OversizeParts.Add(float64(oversize))
	m.Measurements.Observe(float64(measurements))
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
