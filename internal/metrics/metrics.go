// Package metrics exposes Prometheus metrics for the dispatch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Volley.
type Metrics struct {
	// Attempt counters, labeled by mode and outcome kind ("success" or
	// a taxonomy kind).
	AttemptsTotal *prometheus.CounterVec

	// Job gauges/counters.
	JobsActive        prometheus.Gauge
	JobsFinishedTotal *prometheus.CounterVec

	// Account/proxy health.
	HealthChecksTotal    prometheus.Counter
	AccountsRetiredTotal *prometheus.CounterVec
	ProxyOutcomesTotal   *prometheus.CounterVec

	// System metrics.
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_attempts_total",
				Help: "Total send attempts by mode and outcome kind",
			},
			[]string{"mode", "kind"},
		),
		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "volley_jobs_active",
				Help: "Number of jobs currently running",
			},
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_jobs_finished_total",
				Help: "Total jobs finished by terminal status",
			},
			[]string{"status"},
		),
		HealthChecksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "volley_health_checks_total",
				Help: "Total live account health probes",
			},
		),
		AccountsRetiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_accounts_retired_total",
				Help: "Total accounts retired during jobs by new status",
			},
			[]string{"status"},
		),
		ProxyOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "volley_proxy_outcomes_total",
				Help: "Total proxy connection outcomes",
			},
			[]string{"outcome"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "volley_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "volley_goroutines",
				Help: "Number of active goroutines",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.JobsActive,
		m.JobsFinishedTotal,
		m.HealthChecksTotal,
		m.AccountsRetiredTotal,
		m.ProxyOutcomesTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the underlying registry for HTTP exposure.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
