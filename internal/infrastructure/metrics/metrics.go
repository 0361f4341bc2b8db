// Package metrics exposes Prometheus instrumentation for the enforcement
// core: Telegram API traffic, verification outcomes, cache effectiveness and
// log sink pressure. Served on /metrics by the HTTP interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core updates. A single instance is
// created in main and shared by injection.
type Metrics struct {
	// APICalls counts outbound Telegram API calls by method and outcome.
	APICalls *prometheus.CounterVec

	// APICallDuration observes Telegram API latency by method.
	APICallDuration *prometheus.HistogramVec

	// Verifications counts verdicts by status.
	Verifications *prometheus.CounterVec

	// VerificationDuration observes end-to-end verification latency.
	VerificationDuration prometheus.Histogram

	// CacheLookups counts membership cache lookups by result (hit/miss).
	CacheLookups *prometheus.CounterVec

	// LogRowsDropped counts observability rows lost to buffer overflow.
	LogRowsDropped prometheus.Counter

	// CommandsProcessed counts admin commands by type and outcome.
	CommandsProcessed *prometheus.CounterVec

	// BotsRunning tracks the number of live bot workers.
	BotsRunning prometheus.Gauge

	// WorkerRestarts counts bot worker restarts after a crash.
	WorkerRestarts prometheus.Counter
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		APICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nezuko",
			Name:      "telegram_api_calls_total",
			Help:      "Outbound Telegram Bot API calls by method and outcome.",
		}, []string{"method", "outcome"}),

		APICallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nezuko",
			Name:      "telegram_api_call_duration_seconds",
			Help:      "Telegram Bot API call latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nezuko",
			Name:      "verifications_total",
			Help:      "Verification verdicts by status.",
		}, []string{"status"}),

		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nezuko",
			Name:      "verification_duration_seconds",
			Help:      "End-to-end verification latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nezuko",
			Name:      "membership_cache_lookups_total",
			Help:      "Membership cache lookups by result.",
		}, []string{"result"}),

		LogRowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nezuko",
			Name:      "log_rows_dropped_total",
			Help:      "Observability rows dropped on log buffer overflow.",
		}),

		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nezuko",
			Name:      "admin_commands_total",
			Help:      "Admin commands processed by type and outcome.",
		}, []string{"type", "outcome"}),

		BotsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nezuko",
			Name:      "bots_running",
			Help:      "Number of live bot workers.",
		}),

		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nezuko",
			Name:      "worker_restarts_total",
			Help:      "Bot worker restarts after a crash.",
		}),
	}

	reg.MustRegister(
		m.APICalls,
		m.APICallDuration,
		m.Verifications,
		m.VerificationDuration,
		m.CacheLookups,
		m.LogRowsDropped,
		m.CommandsProcessed,
		m.BotsRunning,
		m.WorkerRestarts,
	)

	return m
}

// NewNop creates unregistered collectors for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
