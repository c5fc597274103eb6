// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry at init and served by the ops server.
//
// Labels are kept to bounded sets: command names come from the handler
// table, action kinds and outcomes are fixed enums.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const ns = "seedkeeper"

var (
	// QueueOps counts command queue operations by op (push/pop) and outcome
	// (ok/error/timeout/bad_payload).
	QueueOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "queue", Name: "ops_total",
		Help: "Command queue operations.",
	}, []string{"op", "outcome"})

	// ActionsPublished counts actions published by workers by kind and outcome.
	ActionsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "channel", Name: "actions_published_total",
		Help: "Actions published on the broadcast channel.",
	}, []string{"kind", "outcome"})

	// ActionsExecuted counts actions the front executed by kind and outcome.
	ActionsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "front", Name: "actions_executed_total",
		Help: "Actions executed against the platform.",
	}, []string{"kind", "outcome"})

	ActionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "front", Name: "action_duration_seconds",
		Help:    "Time spent executing one action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// EventsIngested counts platform events turned into commands by kind.
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "front", Name: "events_total",
		Help: "Platform events converted into commands.",
	}, []string{"kind", "outcome"})

	// CorrelationWaits observes how long workers waited for a result, by
	// purpose and outcome (hit/timeout/error).
	CorrelationWaits = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "correlation", Name: "wait_seconds",
		Help:    "Time a worker waited for a correlation result.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"purpose", "outcome"})

	// Dispatches counts commands handled by workers by command and outcome
	// (ok/error/panic/denied/unknown/disabled).
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "worker", Name: "dispatch_total",
		Help: "Commands dispatched by workers.",
	}, []string{"command", "outcome"})

	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "worker", Name: "dispatch_duration_seconds",
		Help:    "Handler run time.",
		Buckets: []float64{.01, .05, .1, .25, .5, .75, 1, 2.5, 5, 10, 30, 60},
	}, []string{"command"})

	Heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "worker", Name: "heartbeats_total",
		Help: "Worker liveness renewals.",
	}, []string{"outcome"})

	// RateDecisions counts limiter decisions by class and result
	// (allowed/bypass/cooldown/window/global).
	RateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "ratelimit", Name: "decisions_total",
		Help: "Rate limiter decisions.",
	}, []string{"class", "result"})

	Reactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "worker", Name: "reactions_total",
		Help: "Reactions seen by workers.",
	}, []string{"change"})

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "schedule", Name: "runs_total",
		Help: "Background job runs by job and outcome.",
	}, []string{"job", "outcome"})

	SessionSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "session", Name: "swept_total",
		Help: "Expired session entries removed by the background sweep.",
	})

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "front", Name: "active_workers",
		Help: "Workers with a live registration at the last status refresh.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "queue", Name: "depth",
		Help: "Command queue length at the last status refresh.",
	})
)

func init() {
	prometheus.MustRegister(
		QueueOps, ActionsPublished, ActionsExecuted, ActionLatency, EventsIngested,
		CorrelationWaits, Dispatches, DispatchLatency, Heartbeats,
		Reactions, JobRuns, RateDecisions, SessionSweeps, ActiveWorkers, QueueDepth,
	)
}
