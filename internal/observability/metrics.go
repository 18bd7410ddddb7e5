package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/fetch"
)

const namespace = "oceangrid"

// Metrics counts jobs and transfers. It satisfies both batch.Observer and
// fetch.Observer so one value can be handed to the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	jobs         *prometheus.CounterVec
	jobAttempts  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	fetches      *prometheus.CounterVec
	fetchBytes   *prometheus.CounterVec
	fetchRetries *prometheus.CounterVec
	runs         *prometheus.CounterVec
}

var (
	// TelemetrySystem is the process metrics set, nil until InitTelemetry.
	TelemetrySystem *Metrics
	// PrometheusExporter serves TelemetrySystem in the text exposition
	// format, nil until InitTelemetry.
	PrometheusExporter http.Handler

	telemetryMu sync.Mutex
)

// NewMetrics registers the oceangrid collectors on a fresh registry, along
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished, by stage and terminal status.",
		}, []string{"stage", "status"}),
		jobAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Attempts made by finished jobs, including retries.",
		}, []string{"stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of finished jobs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Fetches finished, by URL scheme and terminal status.",
		}, []string{"scheme", "status"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes written by successful fetches.",
		}, []string{"scheme"}),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts beyond the first.",
		}, []string{"scheme"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs finished, by final state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.jobs, m.jobAttempts, m.jobDuration,
		m.fetches, m.fetchBytes, m.fetchRetries, m.runs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// InitTelemetry creates the process metrics once and returns them.
func InitTelemetry() *Metrics {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()
	if TelemetrySystem == nil {
		TelemetrySystem = NewMetrics()
		PrometheusExporter = TelemetrySystem.Handler()
	}
	return TelemetrySystem
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveJob implements batch.Observer.
func (m *Metrics) ObserveJob(stage string, o batch.Outcome) {
	m.jobs.WithLabelValues(stage, string(o.Status)).Inc()
	if o.Attempts > 0 {
		m.jobAttempts.WithLabelValues(stage).Add(float64(o.Attempts))
	}
	m.jobDuration.WithLabelValues(stage).Observe(o.Duration.Seconds())
}

// ObserveFetch implements fetch.Observer.
func (m *Metrics) ObserveFetch(scheme string, o fetch.Outcome) {
	m.fetches.WithLabelValues(scheme, string(o.Status)).Inc()
	if o.Status == fetch.StatusSuccess && o.Bytes > 0 {
		m.fetchBytes.WithLabelValues(scheme).Add(float64(o.Bytes))
	}
	if o.Attempts > 1 {
		m.fetchRetries.WithLabelValues(scheme).Add(float64(o.Attempts - 1))
	}
}

// ObserveRun counts a finished run.
func (m *Metrics) ObserveRun(state string) {
	m.runs.WithLabelValues(state).Inc()
}

var (
	_ batch.Observer = (*Metrics)(nil)
	_ fetch.Observer = (*Metrics)(nil)
)
