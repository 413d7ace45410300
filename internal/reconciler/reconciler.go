// Package reconciler implements the startup and periodic reconciler (C11):
// it re-enqueues checkpoints stuck in finalize_queued, recovering from
// broker loss or a worker crash between the state update and the enqueue.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// Broker is the subset of the finalize broker this package needs.
type Broker interface {
	Enqueue(ctx context.Context, checkpointName string) error
}

// Reconciler scans finalize_queued checkpoints and re-enqueues them.
// Re-enqueuing is always safe because the finalize worker re-validates
// state under the runner lock before doing anything (§4.11).
type Reconciler struct {
	checkpoints *store.CheckpointRepo
	broker      Broker
	metrics     *metrics.Metrics
	log         *slog.Logger

	interval  time.Duration
	batchSize int
}

// New builds a Reconciler with the default 120s interval when interval is
// zero.
func New(st *store.Store, broker Broker, m *metrics.Metrics, log *slog.Logger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Reconciler{
		checkpoints: store.NewCheckpointRepo(st),
		broker:      broker,
		metrics:     m,
		log:         log,
		interval:    interval,
		batchSize:   200,
	}
}

// Run performs one immediate reconcile pass (the startup trigger), then
// blocks reconciling every interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.reconcileOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	// Every finalize_queued row is a candidate, regardless of age: the
	// reconciler's job is to recover tasks broker loss or a worker crash
	// dropped, not to enforce a freshness bound the way GC does.
	r.metrics.ReconcilerSweeps.Inc()
	stuck, err := r.checkpoints.ListFinalizeQueuedOlderThan(ctx, time.Now(), r.batchSize)
	if err != nil {
		r.log.Error("reconciler scan failed", "err", err)
		return
	}
	for _, cp := range stuck {
		if err := r.broker.Enqueue(ctx, cp.Name); err != nil {
			r.log.Error("reconciler re-enqueue failed", "checkpoint", cp.Name, "err", err)
			continue
		}
		r.metrics.ReconcilerRequeues.Inc()
		r.log.Info("reconciler re-enqueued stuck checkpoint", "checkpoint", cp.Name)
	}
}
