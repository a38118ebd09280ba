package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Ngome.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Provisioning metrics.
	ProvisionIterationsTotal *prometheus.CounterVec
	ProvisionDuration        *prometheus.HistogramVec
	RepairsTotal             *prometheus.CounterVec

	// Sandbox lifecycle metrics.
	SandboxStartsTotal *prometheus.CounterVec
	ActiveSandboxes    prometheus.Gauge

	// Health check metrics.
	HealthChecksTotal   *prometheus.CounterVec
	HealthCheckDuration prometheus.Histogram

	// Bridge tool call metrics (host-side client view).
	BridgeCallsTotal   *prometheus.CounterVec
	BridgeCallDuration *prometheus.HistogramVec

	// Control API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ProvisionIterationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "provision",
			Name:      "iterations_total",
			Help:      "Total provisioning iterations by outcome.",
		}, []string{"outcome"}),

		ProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "provision",
			Name:      "duration_seconds",
			Help:      "Wall time of a complete provisioning run in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),

		RepairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "provision",
			Name:      "repairs_total",
			Help:      "Total repairs applied between iterations, by failure signal.",
		}, []string{"signal"}),

		SandboxStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "starts_total",
			Help:      "Total sandbox starts.",
		}, []string{"backend", "status"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of sandboxes currently running.",
		}),

		HealthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Total bridge health checks.",
		}, []string{"status"}),

		HealthCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Bridge health check round-trip duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),

		BridgeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Total bridge tool invocations.",
		}, []string{"tool", "status"}),

		BridgeCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Bridge tool invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total control API requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ProvisionIterationsTotal,
		m.ProvisionDuration,
		m.RepairsTotal,
		m.SandboxStartsTotal,
		m.ActiveSandboxes,
		m.HealthChecksTotal,
		m.HealthCheckDuration,
		m.BridgeCallsTotal,
		m.BridgeCallDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordIteration counts one provisioning iteration with its outcome.
// Nil-safe so callers can skip the metrics != nil dance.
func (m *MetricsCollector) RecordIteration(outcome string) {
	if m == nil {
		return
	}
	m.ProvisionIterationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRepair counts one applied repair by failure signal.
func (m *MetricsCollector) RecordRepair(signal string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(signal).Inc()
}

// RecordHealthCheck records one bridge health check round trip.
func (m *MetricsCollector) RecordHealthCheck(seconds float64, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "fail"
	}
	m.HealthChecksTotal.WithLabelValues(status).Inc()
	m.HealthCheckDuration.Observe(seconds)
}
