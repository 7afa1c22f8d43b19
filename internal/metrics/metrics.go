// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every gateway collector. One instance is created at startup
// and threaded through the components that record.
type Metrics struct {
	TurnsTotal       *prometheus.CounterVec
	EscalationsTotal prometheus.Counter
	ToolCallsTotal   *prometheus.CounterVec
	DenialsTotal     *prometheus.CounterVec
	TurnLatency      prometheus.Histogram
	ExportJobs       *prometheus.CounterVec
	ProposalEvents   *prometheus.CounterVec
}

// New creates and registers the gateway collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_turns_total",
			Help: "Completed turns by routed tier.",
		}, []string{"tier"}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_escalations_total",
			Help: "Turns retried on a higher tier.",
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_denials_total",
			Help: "Requests refused by kind (budget, cost, capability).",
		}, []string{"kind"}),
		TurnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_turn_seconds",
			Help:    "End to end turn latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ExportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_export_jobs_total",
			Help: "Export jobs by terminal state.",
		}, []string{"state"}),
		ProposalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proposal_events_total",
			Help: "Proposal state transitions.",
		}, []string{"to_state"}),
	}
	reg.MustRegister(
		m.TurnsTotal,
		m.EscalationsTotal,
		m.ToolCallsTotal,
		m.DenialsTotal,
		m.TurnLatency,
		m.ExportJobs,
		m.ProposalEvents,
	)
	return m
}

// NewNop creates unregistered collectors for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
