package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Queue metrics
	QueueDepth     prometheus.Gauge
	QueueEnqueued  prometheus.Counter
	QueueDequeued  prometheus.Counter
	QueueCompleted prometheus.Counter
	QueueFailed    prometheus.Counter

	// Patch lifecycle metrics
	PatchesCreated    *prometheus.CounterVec
	PatchValidations  *prometheus.CounterVec
	IntegrityFailures prometheus.Counter

	// Rollout metrics
	RolloutsStarted    prometheus.Counter
	RolloutsCompleted  prometheus.Counter
	RolloutsRolledBack prometheus.Counter
	StageExecutions    *prometheus.CounterVec
	TargetApplies      *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec

	// Policy metrics
	PolicyAllowed prometheus.Counter
	PolicyBlocked prometheus.Counter

	// Distribution metrics
	NotificationsSent   *prometheus.CounterVec
	NotificationRetries prometheus.Counter

	// Version metrics
	VersionsReleased *prometheus.CounterVec

	// Worker metrics
	WorkerTasksProcessed prometheus.Counter
	WorkerErrors         prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			// Queue metrics
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "patchline_queue_depth",
				Help: "Current number of stage tasks in the queue",
			}),
			QueueEnqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_queue_enqueued_total",
				Help: "Total number of stage tasks enqueued",
			}),
			QueueDequeued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_queue_dequeued_total",
				Help: "Total number of stage tasks dequeued",
			}),
			QueueCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_queue_completed_total",
				Help: "Total number of stage tasks completed successfully",
			}),
			QueueFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_queue_failed_total",
				Help: "Total number of stage tasks that failed",
			}),

			// Patch lifecycle metrics
			PatchesCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patchline_patches_created_total",
					Help: "Total number of patches created by severity",
				},
				[]string{"severity"},
			),
			PatchValidations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patchline_patch_validations_total",
					Help: "Total number of patch validations by outcome",
				},
				[]string{"outcome"}, // validated, rejected
			),
			IntegrityFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_integrity_failures_total",
				Help: "Total number of payload integrity check failures",
			}),

			// Rollout metrics
			RolloutsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_rollouts_started_total",
				Help: "Total number of rollouts started",
			}),
			RolloutsCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_rollouts_completed_total",
				Help: "Total number of rollouts that reached completion",
			}),
			RolloutsRolledBack: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_rollouts_rolled_back_total",
				Help: "Total number of rollouts rolled back",
			}),
			StageExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patchline_stage_executions_total",
					Help: "Total number of stage executions by stage",
				},
				[]string{"stage"},
			),
			TargetApplies: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patchline_target_applies_total",
					Help: "Total number of per-target apply attempts by outcome",
				},
				[]string{"stage", "outcome"}, // success, failure
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "patchline_stage_duration_seconds",
					Help:    "Wall time spent executing one rollout stage",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
				},
				[]string{"stage"},
			),

			// Policy metrics
			PolicyAllowed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_policy_allowed_total",
				Help: "Total number of stage advancements allowed by policy",
			}),
			PolicyBlocked: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_policy_blocked_total",
				Help: "Total number of stage advancements blocked by policy",
			}),

			// Distribution metrics
			NotificationsSent: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patchline_notifications_total",
					Help: "Total number of notifications by resulting status",
				},
				[]string{"status"},
			),
			NotificationRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_notification_retries_total",
				Help: "Total number of failed notifications reset for retry",
			}),

			// Version metrics
			VersionsReleased: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patchline_versions_released_total",
					Help: "Total number of versions released by severity",
				},
				[]string{"severity"},
			),

			// Worker metrics
			WorkerTasksProcessed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_worker_tasks_processed_total",
				Help: "Total number of tasks processed by the coordinator",
			}),
			WorkerErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "patchline_worker_errors_total",
				Help: "Total number of coordinator errors",
			}),
		}
	})
	return metricsInstance
}
