package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports the tracker's cumulative per-node metric values as
// Prometheus series, in addition to the in-process metrics proxy the
// tracker keeps on the ProcedureGraph itself (see tracker.Track step 6).
type Metrics struct {
	// ProcedureDuration measures wall time per procedure name.
	// Labels: name, status (completed|failed|cancelled)
	ProcedureDuration *prometheus.HistogramVec

	// ProcedureCounter counts procedure invocations.
	// Labels: name, status
	ProcedureCounter *prometheus.CounterVec

	// ProcedureMetric exports an arbitrary metric key's node-level value.
	// Labels: name, metric_key
	ProcedureMetric *prometheus.GaugeVec

	// ChannelPublishCounter counts events published per channel.
	// Labels: channel, event_type
	ChannelPublishCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name, status
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by outcome.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ConfirmationCounter counts confirmation decisions.
	// Labels: decision (confirmed|denied|cancelled)
	ConfirmationCounter *prometheus.CounterVec
}

// NewMetrics registers and returns the kernel's Prometheus collectors
// against the default registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		ProcedureDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernel",
			Name:      "procedure_duration_seconds",
			Help:      "Procedure invocation wall time in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"name", "status"}),
		ProcedureCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "procedure_total",
			Help:      "Procedure invocations by terminal status.",
		}, []string{"name", "status"}),
		ProcedureMetric: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernel",
			Name:      "procedure_metric",
			Help:      "Node-level metric values, keyed by procedure name and metric key.",
		}, []string{"name", "metric_key"}),
		ChannelPublishCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "channel_publish_total",
			Help:      "Events published per channel and event type.",
		}, []string{"channel", "event_type"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernel",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name", "status"}),
		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "tool_execution_total",
			Help:      "Tool executions by outcome.",
		}, []string{"tool_name", "status"}),
		ConfirmationCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "confirmation_total",
			Help:      "Tool confirmation decisions.",
		}, []string{"decision"}),
	}
}
