package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "floodworker"

// Registered with the default registry through promauto.
var (
	// --- Executor ---

	// RunsTotal counts finished executions by outcome ("success" or an error kind).
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Model executions by outcome",
		},
		[]string{"outcome", "isolation"},
	)

	// RunDuration tracks wall time of the model process.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Duration of model executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~1.8h
		},
		[]string{"outcome"},
	)

	// RunsInFlight tracks executions holding a slot.
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_in_flight",
			Help:      "Executions currently holding an executor slot",
		},
	)

	// LockWait measures time spent waiting for the shared directory lock.
	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the shared directory lock",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	PromptsAnswered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "prompts_answered_total",
			Help:      "Executions whose time prompt was answered",
		},
	)

	// CleanupFailures counts input or arena removals that failed.
	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Failed removals of staged inputs or arenas",
		},
		[]string{"target"},
	)

	// --- Cluster ---

	ActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "active_nodes",
			Help:      "Number of registered worker nodes",
		},
	)

	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats sent",
		},
	)

	// --- Queue ---

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_runs",
			Help:      "Runs waiting in the queue",
		},
	)

	RunsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "submitted_total",
			Help:      "Runs submitted for asynchronous execution",
		},
	)

	// --- Janitor ---

	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "orphans_reaped_total",
			Help:      "Runs marked failed because their node disappeared",
		},
	)

	ArenasSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "arenas_swept_total",
			Help:      "Stale arena directories removed",
		},
	)

	// --- Gateway ---

	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "history_writes_total",
			Help:      "Simulation history writes by result",
		},
		[]string{"result"},
	)
)

// RecordRun records metrics for a finished execution.
func RecordRun(outcome, isolation string, durationSeconds float64) {
	RunsTotal.WithLabelValues(outcome, isolation).Inc()
	RunDuration.WithLabelValues(outcome).Observe(durationSeconds)
}
