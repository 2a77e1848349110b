// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	// Graph step metrics
	StepTotal    *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec

	// Run outcome metrics
	RunTotal    *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// External client metrics
	ClientCalls    *prometheus.CounterVec
	ClientDuration *prometheus.HistogramVec

	// Listener metrics
	SweepTotal     *prometheus.CounterVec
	MessagesPulled *prometheus.CounterVec

	// Manual review metrics
	ReviewPending   prometheus.Gauge
	ReviewDecisions *prometheus.CounterVec
}

// New creates and registers all orchestrator metrics on reg. Passing nil
// registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StepTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_step_total",
				Help: "Total graph node executions by node and outcome",
			},
			[]string{"node", "outcome"}, // outcome: ok, error, timeout
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_step_duration_seconds",
				Help:    "Duration of individual graph node executions",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"node"},
		),

		RunTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_run_total",
				Help: "Total orchestration runs by final status",
			},
			[]string{"status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_run_duration_seconds",
				Help:    "End to end run duration excluding manual review waits",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ClientCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_client_calls_total",
				Help: "External client calls by target and outcome",
			},
			[]string{"target", "outcome"}, // target: dify, erp, blob, masterdata, smtp
		),

		ClientDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_client_duration_seconds",
				Help:    "External client call duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),

		SweepTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_listener_sweep_total",
				Help: "Listener sweeps by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		MessagesPulled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_listener_messages_total",
				Help: "Inbound messages pulled by channel and disposition",
			},
			[]string{"channel", "disposition"}, // disposition: dispatched, duplicate, skipped
		),

		ReviewPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_manual_review_pending",
				Help: "Runs currently paused for manual review",
			},
		),

		ReviewDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_manual_review_decisions_total",
				Help: "Manual review decisions by action and result",
			},
			[]string{"action", "result"}, // result: accepted, rejected
		),
	}
}

// RecordStep records one graph node execution.
func (m *Metrics) RecordStep(node, outcome string, seconds float64) {
	m.StepTotal.WithLabelValues(node, outcome).Inc()
	m.StepDuration.WithLabelValues(node).Observe(seconds)
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, seconds float64) {
	m.RunTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(seconds)
}

// RecordClientCall records an external call outcome.
func (m *Metrics) RecordClientCall(target string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ClientCalls.WithLabelValues(target, outcome).Inc()
	m.ClientDuration.WithLabelValues(target).Observe(seconds)
}

// RecordSweep records one listener sweep.
func (m *Metrics) RecordSweep(channel string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SweepTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordMessage records the disposition of one pulled message.
func (m *Metrics) RecordMessage(channel, disposition string) {
	m.MessagesPulled.WithLabelValues(channel, disposition).Inc()
}

// RecordDecision records a manual review decision.
func (m *Metrics) RecordDecision(action string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.ReviewDecisions.WithLabelValues(action, result).Inc()
}
