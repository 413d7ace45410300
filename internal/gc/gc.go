// Package gc implements the garbage collector (C10): a periodic sweep of
// `created` checkpoints older than the configured TTL, reset directly to
// gc_reset without ever passing through finalize_queued.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// Pipeline is the subset of finalize.Pipeline this package needs.
type Pipeline interface {
	RunGC(ctx context.Context, checkpointName string) error
}

// Collector runs the periodic TTL sweep.
type Collector struct {
	checkpoints *store.CheckpointRepo
	pipeline    Pipeline
	metrics     *metrics.Metrics
	log         *slog.Logger

	interval  time.Duration
	ttl       time.Duration
	batchSize int
}

// New builds a Collector with the defaults of §6.3 (60s interval, 1800s
// TTL) when zero values are passed.
func New(st *store.Store, pipeline Pipeline, m *metrics.Metrics, log *slog.Logger, interval, ttl time.Duration) *Collector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if ttl <= 0 {
		ttl = 1800 * time.Second
	}
	return &Collector{
		checkpoints: store.NewCheckpointRepo(st),
		pipeline:    pipeline,
		metrics:     m,
		log:         log,
		interval:    interval,
		ttl:         ttl,
		batchSize:   200,
	}
}

// Run blocks, sweeping every interval until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Collector) sweepOnce(ctx context.Context) {
	c.metrics.GCSweeps.Inc()
	cutoff := time.Now().Add(-c.ttl)
	stale, err := c.checkpoints.ListCreatedOlderThan(ctx, cutoff, c.batchSize)
	if err != nil {
		c.log.Error("gc scan failed", "err", err)
		return
	}
	for _, cp := range stale {
		if err := c.pipeline.RunGC(ctx, cp.Name); err != nil {
			c.log.Error("gc reset failed", "checkpoint", cp.Name, "err", err)
			continue
		}
		// RunGC itself counts the gc_reset state transition.
		c.metrics.GCResets.Inc()
	}
}
