// Package metrics declares the prometheus collectors shared by every subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of staged-but-undispatched tasks per group.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskqueue_queue_depth",
		Help: "Current number of staged tasks per resource group",
	}, []string{"resource_group"})

	// TasksSubmitted counts accepted submissions per resource group.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_tasks_submitted_total",
		Help: "Total tasks accepted for scheduling per resource group",
	}, []string{"resource_group"})

	// TasksDispatched counts dispatch decisions by outcome.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_dispatch_decisions_total",
		Help: "Total dispatch decisions made by the scheduler",
	}, []string{"resource_group", "decision"}) // decision: dispatch, retry, breaker_reject, throttle_timeout, pause_skip

	// TaskDurationSeconds tracks task execution time.
	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_task_duration_seconds",
		Help:    "Task execution duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"resource_group", "status"})

	// AdmissionWaitSeconds tracks time a task waits in the staging buffer before dispatch.
	AdmissionWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_admission_wait_seconds",
		Help:    "Time a task waits in the staging buffer before being popped for dispatch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"resource_group"})

	// ActiveTasks tracks currently-running task counts per group (throttle saturation signal).
	ActiveTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskqueue_active_tasks",
		Help: "Current number of running tasks per resource group",
	}, []string{"resource_group"})

	// ThrottleLimit tracks the adaptive throttler's current concurrency cap.
	ThrottleLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskqueue_throttle_current_limit",
		Help: "Current adaptive concurrency limit per resource group",
	}, []string{"resource_group"})

	// CircuitState tracks breaker FSM state (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskqueue_circuit_breaker_state",
		Help: "Circuit breaker state per resource group (0=closed, 1=half_open, 2=open)",
	}, []string{"resource_group"})

	// RetryCount counts retry transitions.
	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_task_retries_total",
		Help: "Total number of task retry transitions",
	}, []string{"resource_group"})

	// PersistenceErrors counts store-layer failures.
	PersistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_persistence_errors_total",
		Help: "Total persistence operation failures",
	}, []string{"operation"})

	// HeartbeatHealthy tracks the last health-check result (1=healthy, 0=unhealthy).
	HeartbeatHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskqueue_healthy",
		Help: "Result of the most recent health check (1=healthy, 0=unhealthy)",
	})

	// RemediationActions counts automatic remediation actions taken by the health monitor.
	RemediationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_remediation_actions_total",
		Help: "Automatic remediation actions taken by the health monitor",
	}, []string{"action"}) // db_reconnect, stuck_sweep, breaker_force_close, gc_hint

	// StuckTasks tracks tasks found running past the stuck-task age threshold.
	StuckTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskqueue_stuck_tasks",
		Help: "Number of tasks observed running past the stuck-task age threshold",
	})
)
