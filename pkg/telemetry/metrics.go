package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus metrics surface.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string
}

// Metrics collects reconciliation metrics. All methods are safe on a
// disabled instance.
type Metrics struct {
	config MetricsConfig

	cyclesTotal   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec

	operationsTotal  *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	driftDetected  prometheus.Counter
	lockContention prometheus.Counter

	syncState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "converge"
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of completed sync cycles",
			},
			[]string{"outcome", "trigger"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of sync cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of executed plan operations",
			},
			[]string{"operation", "status"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "resource_type"},
		),
		driftDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detected_total",
				Help:      "Total number of drift detections",
			},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of cycles skipped due to lease contention",
			},
		),
		syncState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_state",
				Help:      "Current sync loop state (1 for the active state)",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.operationsTotal,
		m.providerDuration,
		m.driftDetected,
		m.lockContention,
		m.syncState,
	)

	return m
}

// RecordCycle records a completed sync cycle.
func (m *Metrics) RecordCycle(outcome, trigger string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome, trigger).Inc()
	m.cycleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordOperation records one executed operation.
func (m *Metrics) RecordOperation(operation, status string) {
	if m.registry == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveProviderCall records the duration of one provider call.
func (m *Metrics) ObserveProviderCall(operation, resourceType string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.providerDuration.WithLabelValues(operation, resourceType).Observe(duration.Seconds())
}

// RecordDrift counts one drift detection.
func (m *Metrics) RecordDrift() {
	if m.registry == nil {
		return
	}
	m.driftDetected.Inc()
}

// RecordLockContention counts one cycle skipped on lease contention.
func (m *Metrics) RecordLockContention() {
	if m.registry == nil {
		return
	}
	m.lockContention.Inc()
}

// SetSyncState marks the loop's current state gauge.
func (m *Metrics) SetSyncState(state string) {
	if m.registry == nil {
		return
	}
	for _, s := range []string{"idle", "fetching", "building", "planning", "applying", "paused", "degraded"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.syncState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
