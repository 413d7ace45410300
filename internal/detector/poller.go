// Package detector implements the non-hook halves of the completion
// detector (C9): the periodic CI-status poller and the inbound webhook
// handlers. The hook path itself lives in internal/agentchannel, which
// calls straight into internal/checkpoint.Service.QueueFinalize.
package detector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kadeksuryam/e2epool/internal/checkpoint"
	"github.com/kadeksuryam/e2epool/internal/ciadapter"
	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/registry"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// Finalizer is the subset of checkpoint.Service the poller and webhook
// handlers need.
type Finalizer interface {
	QueueFinalize(ctx context.Context, runnerID, checkpointName string, status models.FinalizeStatus, source models.FinalizeSource) error
}

// Poller implements §4.9(b): scans `created` checkpoints older than a
// minimum age, queries the CI adapter, and lands queue_finalize on
// terminal status.
type Poller struct {
	checkpoints *store.CheckpointRepo
	registry    *registry.Registry
	finalizer   Finalizer
	log         *slog.Logger

	interval      time.Duration
	minAge        time.Duration
	batchSize     int
	softTimeLimit time.Duration
	hardTimeLimit time.Duration
}

// NewPoller builds a Poller with the defaults of §6.3 (20s interval, 120s
// min age, 200 batch, 120s/150s soft/hard limits) when zero values are
// passed.
func NewPoller(st *store.Store, reg *registry.Registry, finalizer Finalizer, log *slog.Logger, interval, minAge time.Duration, batchSize int, softTimeLimit, hardTimeLimit time.Duration) *Poller {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if minAge <= 0 {
		minAge = 120 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if softTimeLimit <= 0 {
		softTimeLimit = 120 * time.Second
	}
	if hardTimeLimit <= 0 {
		hardTimeLimit = 150 * time.Second
	}
	return &Poller{
		checkpoints:   store.NewCheckpointRepo(st),
		registry:      reg,
		finalizer:     finalizer,
		log:           log,
		interval:      interval,
		minAge:        minAge,
		batchSize:     batchSize,
		softTimeLimit: softTimeLimit,
		hardTimeLimit: hardTimeLimit,
	}
}

// Run blocks, sweeping every interval until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Poller) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, p.hardTimeLimit)
	defer cancel()

	cutoff := time.Now().Add(-p.minAge)
	candidates, err := p.checkpoints.ListCreatedOlderThan(sweepCtx, cutoff, p.batchSize)
	if err != nil {
		p.log.Error("poller scan failed", "err", err)
		return
	}

	warned := false
	deadline := time.Now().Add(p.softTimeLimit)
	for _, cp := range candidates {
		if !warned && time.Now().After(deadline) {
			p.log.Warn("poller sweep exceeded soft time limit, continuing", "remaining", len(candidates))
			warned = true
		}
		p.checkOne(sweepCtx, cp)
	}
}

func (p *Poller) checkOne(ctx context.Context, cp models.Checkpoint) {
	runner, err := p.registry.Lookup(ctx, cp.RunnerID)
	if err != nil {
		p.log.Error("poller: runner lookup failed", "runner_id", cp.RunnerID, "err", err)
		return
	}
	adapter, err := ciadapter.Get(runner.CIAdapter)
	if err != nil {
		p.log.Error("poller: unknown ci adapter", "runner_id", cp.RunnerID, "adapter", runner.CIAdapter, "err", err)
		return
	}

	status, err := adapter.GetJobStatus(ctx, runner.CIBaseURL, runner.CIToken, cp.JobID)
	if err != nil {
		p.log.Warn("poller: get_job_status failed", "checkpoint", cp.Name, "err", err)
		return
	}

	finalizeStatus, ok := mapTerminal(status)
	if !ok {
		return // still running or unknown: leave it for the next sweep
	}

	err = p.finalizer.QueueFinalize(ctx, cp.RunnerID, cp.Name, finalizeStatus, models.SourcePoller)
	if err != nil && !errors.Is(err, checkpoint.ErrAlreadyQueued) && !errors.Is(err, checkpoint.ErrAlreadyFinalized) {
		p.log.Error("poller: queue_finalize failed", "checkpoint", cp.Name, "err", err)
	}
}

func mapTerminal(status ciadapter.JobStatus) (models.FinalizeStatus, bool) {
	switch status {
	case ciadapter.JobSuccess:
		return models.FinalizeSuccess, true
	case ciadapter.JobFailed:
		return models.FinalizeFailure, true
	case ciadapter.JobCanceled:
		return models.FinalizeCanceled, true
	default:
		return "", false
	}
}
