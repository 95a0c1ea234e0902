// Package metrics exposes pipeline and queue counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contentflow"

// Metrics holds the collectors. All methods are safe on a nil receiver.
type Metrics struct {
	registry          *prometheus.Registry
	stageDuration     *prometheus.HistogramVec
	stageResults      *prometheus.CounterVec
	stageRetries      *prometheus.CounterVec
	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	persistenceErrors *prometheus.CounterVec
	claims            prometheus.Counter
	drainTriggers     prometheus.Counter
	queueDepth        *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one stage call, including retries.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage calls by outcome and error kind.",
		}, []string{"stage", "outcome", "kind"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Retries of transient stage failures.",
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of a full pipeline run.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800},
		}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Best-effort writes that failed.",
		}, []string{"op"}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_claims_total",
			Help:      "Queue items claimed by a worker.",
		}),
		drainTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drain_triggers_total",
			Help:      "Signals sent to the queue worker after a run.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Queue items by status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.stageDuration, m.stageResults, m.stageRetries, m.runs, m.runDuration,
		m.persistenceErrors, m.claims, m.drainTriggers, m.queueDepth,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StageFinished records one stage outcome.
func (m *Metrics) StageFinished(name stage.Name, res stage.Result, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	m.stageDuration.WithLabelValues(string(name)).Observe(d.Seconds())
	m.stageResults.WithLabelValues(string(name), outcome, string(res.Kind)).Inc()
}

// StageRetried counts a retry. It matches stage.RetryFunc.
func (m *Metrics) StageRetried(name stage.Name, _ int, _ error) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(string(name)).Inc()
}

// RunFinished records a whole run.
func (m *Metrics) RunFinished(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// PersistenceFailed counts a failed best-effort write.
func (m *Metrics) PersistenceFailed(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// Claimed counts a queue claim.
func (m *Metrics) Claimed() {
	if m == nil {
		return
	}
	m.claims.Inc()
}

// DrainTriggered counts a worker signal.
func (m *Metrics) DrainTriggered() {
	if m == nil {
		return
	}
	m.drainTriggers.Inc()
}

// SetQueueDepth publishes queue counts by status.
func (m *Metrics) SetQueueDepth(stats map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for status, n := range stats {
		m.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}
