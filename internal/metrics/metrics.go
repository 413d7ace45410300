// Package metrics exposes the controller's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the controller publishes. A single
// instance is wired through the checkpoint, finalize, gc, and reconciler
// packages at construction time.
type Metrics struct {
	CheckpointTransitions *prometheus.CounterVec
	FinalizeStepDuration  *prometheus.HistogramVec
	GCSweeps              prometheus.Counter
	GCResets              prometheus.Counter
	ReconcilerSweeps      prometheus.Counter
	ReconcilerRequeues    prometheus.Counter
	AgentConnections      prometheus.Gauge
}

// New registers every collector against the default registry.
func New() *Metrics {
	return &Metrics{
		CheckpointTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "checkpoint_transitions_total",
			Help:      "Checkpoint state transitions, labeled by the resulting state.",
		}, []string{"state"}),
		FinalizeStepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "e2epool",
			Name:      "finalize_step_duration_seconds",
			Help:      "Duration of each finalize pipeline step, labeled by step name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		GCSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "gc_sweeps_total",
			Help:      "Garbage collector sweep passes run.",
		}),
		GCResets: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "gc_resets_total",
			Help:      "Checkpoints reset by the garbage collector.",
		}),
		ReconcilerSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "reconciler_sweeps_total",
			Help:      "Reconciler sweep passes run.",
		}),
		ReconcilerRequeues: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "e2epool",
			Name:      "reconciler_requeues_total",
			Help:      "Checkpoints re-enqueued by the reconciler.",
		}),
		AgentConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "e2epool",
			Name:      "agent_connections",
			Help:      "Live agent WebSocket connections held by this replica.",
		}),
	}
}
