// Package telemetry exposes Prometheus metrics for the engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private
// registry
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	ActiveRuns     prometheus.Gauge
	TrialsTotal    prometheus.Counter
	TrialFailures  prometheus.Counter
	BarsProcessed  prometheus.Counter
	TradesExecuted prometheus.Counter
}

// NewMetrics creates and registers the engine collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantsim",
			Name:      "backtest_runs_total",
			Help:      "Completed backtest runs by status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantsim",
			Name:      "backtest_run_duration_seconds",
			Help:      "Wall-clock duration of backtest runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantsim",
			Name:      "backtest_active_runs",
			Help:      "Backtest runs currently in flight",
		}),
		TrialsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantsim",
			Name:      "optimizer_trials_total",
			Help:      "Optimization trials evaluated",
		}),
		TrialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantsim",
			Name:      "optimizer_trial_failures_total",
			Help:      "Optimization trials that errored or panicked",
		}),
		BarsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantsim",
			Name:      "bars_processed_total",
			Help:      "Bars replayed across all runs",
		}),
		TradesExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quantsim",
			Name:      "trades_executed_total",
			Help:      "Simulated fills across all runs",
		}),
	}
}

// Handler serves the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
