// Package telemetry provides the Prometheus collectors for the core service.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the core service.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	GraceTimersPending prometheus.Gauge
	EventsReceived     *prometheus.CounterVec
	TasksTotal         *prometheus.CounterVec
	ChunksStreamed     *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	SkillExecutions    *prometheus.CounterVec
	CreditsCharged     prometheus.Counter
	ArchivalRuns       *prometheus.CounterVec
	PersistenceQueue   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openmates",
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections.",
		}),

		GraceTimersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openmates",
			Name:      "grace_timers_pending",
			Help:      "Disconnected devices still inside the reconnection grace period.",
		}),

		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "ws_events_received_total",
			Help:      "Total inbound WebSocket events by type.",
		}, []string{"type"}),

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "tasks_total",
			Help:      "Total AI tasks by queue and terminal state.",
		}, []string{"queue", "state"}),

		ChunksStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "chunks_streamed_total",
			Help:      "Total provider stream chunks by provider and chunk type.",
		}, []string{"provider", "type"}),

		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "provider_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		SkillExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "skill_executions_total",
			Help:      "Total skill request elements by app, skill, and outcome.",
		}, []string{"app", "skill", "status"}),

		CreditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "credits_charged_total",
			Help:      "Total credits charged across all sources.",
		}),

		ArchivalRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openmates",
			Name:      "usage_archival_runs_total",
			Help:      "Total usage archival runs by outcome.",
		}, []string{"status"}),

		PersistenceQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openmates",
			Name:      "persistence_queue_length",
			Help:      "Current number of queued durable writes.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.GraceTimersPending,
		m.EventsReceived,
		m.TasksTotal,
		m.ChunksStreamed,
		m.ProviderErrors,
		m.SkillExecutions,
		m.CreditsCharged,
		m.ArchivalRuns,
		m.PersistenceQueue,
	)

	return m
}
