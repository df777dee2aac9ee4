package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestrator. All recording
// methods are safe on a nil receiver so wiring metrics stays optional.
type Metrics struct {
	config MetricsConfig

	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stepsExecuted  *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	providerRetry  prometheus.Counter
	lockContention *prometheus.CounterVec
	reapPasses     prometheus.Counter
	reapOutcomes   *prometheus.CounterVec
	environments   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. A disabled config returns a
// collector whose methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of executor runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of executor runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of executor runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of plan steps executed",
		}, []string{"operation", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of plan steps in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		providerRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Total number of steps that needed provider retries",
		}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Total number of lock acquisitions rejected as held",
		}, []string{"environment"}),
		reapPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_passes_total",
			Help:      "Total number of reaper passes",
		}),
		reapOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_environments_total",
			Help:      "Total environments handled by the reaper, by outcome",
		}, []string{"outcome"}),
		environments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "environments_tracked",
			Help:      "Current number of tracked environments",
		}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.providerRetry,
		m.lockContention,
		m.reapPasses,
		m.reapOutcomes,
		m.environments,
	)
	return m, nil
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRunStarted counts a started executor run.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted counts a finished run and observes its duration.
func (m *Metrics) RecordRunCompleted(status string, dur time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(dur.Seconds())
}

// RecordStep counts one executed plan step.
func (m *Metrics) RecordStep(operation, status string, dur time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(operation, status).Inc()
	m.stepDuration.WithLabelValues(operation).Observe(dur.Seconds())
}

// RecordRetry counts a step that needed provider retries.
func (m *Metrics) RecordRetry() {
	if m == nil || m.registry == nil {
		return
	}
	m.providerRetry.Inc()
}

// RecordLockContention counts a rejected lock acquisition.
func (m *Metrics) RecordLockContention(environment string) {
	if m == nil || m.registry == nil {
		return
	}
	m.lockContention.WithLabelValues(environment).Inc()
}

// RecordReapPass counts one reaper sweep over all environments.
func (m *Metrics) RecordReapPass() {
	if m == nil || m.registry == nil {
		return
	}
	m.reapPasses.Inc()
}

// RecordReapOutcome counts one environment handled by the reaper.
// outcome is one of reaped, skipped, failed.
func (m *Metrics) RecordReapOutcome(outcome string) {
	if m == nil || m.registry == nil {
		return
	}
	m.reapOutcomes.WithLabelValues(outcome).Inc()
}

// SetEnvironmentsTracked records the current environment count.
func (m *Metrics) SetEnvironmentsTracked(n int) {
	if m == nil || m.registry == nil {
		return
	}
	m.environments.Set(float64(n))
}
