// Package metrics exposes the Prometheus collectors for the
// orchestration engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors. Create one per process with New and
// share it by injection.
type Metrics struct {
	EventsProcessed   prometheus.Counter
	EventsDropped     prometheus.Counter
	EventsDeduped     prometheus.Counter
	QueueDepth        prometheus.Gauge
	AgentsByStatus    *prometheus.GaugeVec
	AgentSpawns       prometheus.Counter
	AgentEscalations  prometheus.Counter
	PipelineRuns      prometheus.Counter
	PipelineCompleted *prometheus.CounterVec
	ToolCalls         prometheus.Counter
}

// New registers all collectors on the given registerer (use
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_events_processed_total",
			Help: "GitHub events processed by the router.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_events_dropped_total",
			Help: "Events dropped (unknown type or full queue).",
		}),
		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_events_deduped_total",
			Help: "Events discarded as duplicate deliveries.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "squadron_event_queue_depth",
			Help: "Current depth of the inbound event queue.",
		}),
		AgentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadron_agents",
			Help: "Tracked agents by status.",
		}, []string{"status"}),
		AgentSpawns: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_agent_spawns_total",
			Help: "Agents spawned.",
		}),
		AgentEscalations: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_agent_escalations_total",
			Help: "Agents escalated to humans.",
		}),
		PipelineRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_pipeline_runs_total",
			Help: "Pipeline runs started.",
		}),
		PipelineCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadron_pipeline_runs_finished_total",
			Help: "Pipeline runs finished, by terminal status.",
		}, []string{"status"}),
		ToolCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadron_tool_calls_total",
			Help: "Framework tool calls dispatched by agents.",
		}),
	}
}
