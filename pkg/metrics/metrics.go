package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeployOpsTotal counts deployment dispatches by outcome.
	// result label is "success" or "error".
	DeployOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_deploy_ops_total",
			Help: "Total number of deployment dispatch operations by model and result",
		},
		[]string{"model_id", "result"},
	)

	// DeployDurationSeconds tracks wall time from deployment creation to a
	// terminal status.
	DeployDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiengine_deploy_duration_seconds",
			Help:    "Duration of deployments from creation to terminal status",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"model_id", "status"},
	)

	// RetryOpsTotal counts explicit deployment retries.
	RetryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_retry_ops_total",
			Help: "Total number of deployment retry operations",
		},
		[]string{"model_id"},
	)

	// RollbackOpsTotal counts explicit deployment rollbacks.
	RollbackOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_rollback_ops_total",
			Help: "Total number of deployment rollback operations",
		},
		[]string{"model_id"},
	)

	// ProgressEventsTotal counts applied progress events by source stage.
	ProgressEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_progress_events_total",
			Help: "Total number of applied deployment progress events by stage",
		},
		[]string{"stage"},
	)

	// ActiveMonitors reports how many deployments are currently tracked per
	// monitoring mechanism ("push" or "poll").
	ActiveMonitors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiengine_active_monitors",
			Help: "Number of deployments currently monitored per mechanism",
		},
		[]string{"kind"},
	)

	// ChannelReconnectsTotal counts push channel reconnect attempts.
	ChannelReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiengine_channel_reconnects_total",
			Help: "Total number of push channel reconnect attempts",
		},
	)

	// JobRetriesTotal counts dispatch job retries due to transient errors.
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_job_retries_total",
			Help: "Total number of dispatch job retries due to transient errors",
		},
		[]string{"job_type"},
	)

	// JobPermanentFailuresTotal counts jobs that failed permanently
	// (exhausted retries or non-transient error).
	JobPermanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_job_permanent_failures_total",
			Help: "Total number of dispatch jobs that failed permanently",
		},
		[]string{"job_type"},
	)

	// HealthChecksTotal counts health monitor polls by resulting status.
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiengine_health_checks_total",
			Help: "Total number of model health polls by resulting status",
		},
		[]string{"model_id", "status"},
	)
)
