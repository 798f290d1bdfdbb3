package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskprotocol"

var (
	// ─── Protocol ────────────────────────────────────────────────────────────────

	MessagesEncoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "messages_encoded_total",
		Help:      "Task messages encoded, by protocol version and content type.",
	}, []string{"version", "content_type"})

	MessagesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "messages_decoded_total",
		Help:      "Task messages decoded, by detected protocol version and content type.",
	}, []string{"version", "content_type"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "decode_errors_total",
		Help:      "Messages that could not be decoded, by error kind.",
	}, []string{"reason"})

	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APIWorkflowsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "workflows_submitted_total",
		Help:      "Workflows applied through the API gateway, by kind (task, chain, group, chord).",
	}, []string{"kind"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Task executions, by task name and terminal status.",
	}, []string{"task_name", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"task_name"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"task_name"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Retry messages republished after a failed execution.",
	}, []string{"task_name"})

	WorkerSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "skipped_total",
		Help:      "Messages acknowledged without running, by reason (expired, revoked, duplicate).",
	}, []string{"reason"})

	WorkerFollowUpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "follow_ups_dispatched_total",
		Help:      "Chain steps, callbacks, errbacks and chord bodies published.",
	})

	WorkerDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Messages forwarded to the dead-letter queue, by reason.",
	}, []string{"reason"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "tasks_routed_total",
		Help:      "Messages routed to queue topics, by queue.",
	}, []string{"queue"})

	DispatcherDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Messages sent to the DLQ by the dispatcher, by reason.",
	}, []string{"reason"})

	DispatcherRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Messages rejected by the rate limiter, by task name.",
	}, []string{"task_name"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerJobsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "jobs_fired_total",
		Help:      "Periodic jobs published, by job name.",
	}, []string{"job"})

	// ─── Control ─────────────────────────────────────────────────────────────────

	ControlResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "consumer_resets_total",
		Help:      "Times the control mailbox consumer was replaced after a command error.",
	})
)
