package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crawlkeeper"

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks newly added to the pending queue, labelled by kind and source.",
	}, []string{"kind", "source"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks per queue partition as last observed by the active worker.",
	}, []string{"partition"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_claimed_total",
		Help:      "Tasks claimed from the pending queue.",
	})

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Task attempts, labelled by kind and outcome.",
	}, []string{"kind", "outcome"})

	WorkerTasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_swept_total",
		Help:      "Expired claims returned to pending by the sweep.",
	})

	WorkerTasksAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_abandoned_total",
		Help:      "Claimed tasks left in flight because the activation ended.",
	})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being fetched.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Fetch and extract time per task in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	WorkerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "state",
		Help:      "1 for the worker's current lifecycle state, 0 otherwise.",
	}, []string{"state"})

	WorkerAdminCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "admin_commands_total",
		Help:      "Operator commands applied by the lease holder, labelled by op and result.",
	}, []string{"op", "result"})

	// ─── Lease ───────────────────────────────────────────────────────────────────

	LeaseAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "acquisitions_total",
		Help:      "Times this instance became the lease holder.",
	})

	LeaseRenewalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "renewal_failures_total",
		Help:      "Lease renewals that errored or found the lease owned by someone else.",
	})

	LeaseDemotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "demotions_total",
		Help:      "Activations aborted because the lease was lost.",
	})

	// ─── Operator / intake ───────────────────────────────────────────────────────

	OperatorAdminSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "operator",
		Name:      "admin_submitted_total",
		Help:      "Admin commands submitted through the operator API.",
	}, []string{"op"})

	IntakeSeedsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intake",
		Name:      "seeds_consumed_total",
		Help:      "Seed messages read from Kafka, labelled by result.",
	}, []string{"result"})

	SeederRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "seeder",
		Name:      "runs_total",
		Help:      "Scheduled seed runs, labelled by result.",
	}, []string{"result"})
)

// SetState marks state as the only active lifecycle state.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		WorkerState.WithLabelValues(s).Set(v)
	}
}
