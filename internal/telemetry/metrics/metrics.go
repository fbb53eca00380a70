package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActionsEnqueued tracks actions written to the local queue
	ActionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_actions_enqueued_total",
			Help: "Total number of actions queued for later sync",
		},
		[]string{"kind"},
	)

	// ActionsSynced tracks actions replayed successfully
	ActionsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_actions_synced_total",
			Help: "Total number of queued actions synced to the remote",
		},
		[]string{"kind"},
	)

	// ActionsFailed tracks failed replay attempts
	ActionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_actions_failed_total",
			Help: "Total number of failed queued action executions",
		},
		[]string{"kind", "category"},
	)

	// ActionLatency tracks remote execution latency of one action
	ActionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifeline_action_latency_seconds",
			Help:    "Remote execution latency of a queued action in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SyncPasses tracks finished sync passes by outcome
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_sync_passes_total",
			Help: "Total number of sync passes",
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks actions not yet synced
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_queue_depth",
			Help: "Number of queued actions not yet synced",
		},
	)

	// HealthProbes tracks backend health probes by result
	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_health_probes_total",
			Help: "Total number of backend health probes",
		},
		[]string{"result"},
	)

	// ProbeFailures tracks consecutive failed probes
	ProbeFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_probe_failures",
			Help: "Consecutive failed backend health probes",
		},
	)

	// ResilienceState is 1 for the current state and 0 for the others
	ResilienceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifeline_resilience_state",
			Help: "Current resilience state (1 = active)",
		},
		[]string{"state"},
	)

	// APIFailures tracks failures reported by write paths
	APIFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_api_failures_total",
			Help: "Total number of write failures reported to the resilience machine",
		},
		[]string{"category"},
	)

	// TelemetryEvents tracks emitted telemetry events
	TelemetryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifeline_telemetry_events_total",
			Help: "Total number of telemetry events tracked",
		},
		[]string{"event"},
	)

	// DBConnectionPoolUsage tracks SQL pool usage in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifeline_db_connection_pool_usage_percent",
			Help: "Open SQL connections as a percentage of the pool limit",
		},
	)
)
