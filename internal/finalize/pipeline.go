package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadeksuryam/e2epool/internal/backend"
	"github.com/kadeksuryam/e2epool/internal/ciadapter"
	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/registry"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// Pipeline is the pause -> backend.reset -> readiness_wait -> unpause
// sequence of §4.8, shared verbatim by the broker-driven finalize worker
// and the garbage collector's direct-to-gc_reset path (§4.10: "all
// logging, pause/unpause, readiness semantics match C8").
type Pipeline struct {
	locker      *store.Locker
	checkpoints *store.CheckpointRepo
	oplog       *store.OperationLogRepo
	registry    *registry.Registry
	metrics     *metrics.Metrics

	readinessTimeout time.Duration
	log              *slog.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(st *store.Store, locker *store.Locker, reg *registry.Registry, m *metrics.Metrics, readinessTimeout time.Duration, log *slog.Logger) *Pipeline {
	if readinessTimeout <= 0 {
		readinessTimeout = 120 * time.Second
	}
	return &Pipeline{
		locker:           locker,
		checkpoints:      store.NewCheckpointRepo(st),
		oplog:            store.NewOperationLogRepo(st),
		registry:         reg,
		metrics:          m,
		readinessTimeout: readinessTimeout,
		log:              log,
	}
}

// RunFinalize processes one broker-delivered finalize task (§4.8's
// pseudocode). It re-validates the checkpoint's state under the runner
// lock, so redelivery after a worker crash is always safe.
func (p *Pipeline) RunFinalize(ctx context.Context, checkpointName string) error {
	return p.run(ctx, checkpointName, nil)
}

// RunGC processes one GC sweep candidate (§4.10): it re-checks the
// checkpoint is still in `created` under the lock, then runs the same
// pipeline with an implicit status=failure straight to terminal state
// gc_reset, bypassing finalize_queued entirely.
func (p *Pipeline) RunGC(ctx context.Context, checkpointName string) error {
	status := models.FinalizeFailure
	return p.run(ctx, checkpointName, &status)
}

// run is shared by RunFinalize (gcStatus nil: drive off the row's own
// finalize_status/state) and RunGC (gcStatus set: force status=failure,
// terminal=gc_reset, only valid while the row is still `created`).
func (p *Pipeline) run(ctx context.Context, checkpointName string, gcStatus *models.FinalizeStatus) error {
	lock, err := p.lockForCheckpoint(ctx, checkpointName)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	tx, err := lock.Tx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", models.ErrStore, err)
	}
	defer tx.Rollback(ctx)

	cpRepo := p.checkpoints.With(tx)
	oplogRepo := p.oplog.With(tx)

	cp, err := cpRepo.GetByName(ctx, checkpointName)
	if err != nil {
		return err
	}

	var status models.FinalizeStatus
	var terminal models.CheckpointState
	var source models.FinalizeSource

	if gcStatus != nil {
		if cp.State != models.StateCreated {
			p.log.Info("gc candidate no longer created, skipping", "checkpoint", checkpointName, "state", cp.State)
			return nil
		}
		status = *gcStatus
		terminal = models.StateGCReset
		source = models.SourceGC
	} else {
		if cp.State.IsTerminal() {
			p.log.Debug("finalize task for already-terminal checkpoint, acking", "checkpoint", checkpointName)
			return nil
		}
		if cp.State == models.StateCreated {
			p.log.Warn("finalize task arrived before queue_finalize committed, acking", "checkpoint", checkpointName)
			return nil
		}
		if cp.FinalizeStatus == nil {
			return fmt.Errorf("%w: checkpoint %s in finalize_queued with no finalize_status", models.ErrStore, checkpointName)
		}
		status = *cp.FinalizeStatus
		if status == models.FinalizeSuccess {
			terminal = models.StateDeleted
		} else {
			terminal = models.StateReset
		}
	}

	runner, err := p.registry.Lookup(ctx, cp.RunnerID)
	if err != nil {
		return fmt.Errorf("%w: lookup runner: %v", models.ErrStore, err)
	}

	be, err := backend.Get(string(runner.Backend))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrBackend, err)
	}

	ci, ciErr := resolveCIAdapter(runner)

	started := time.Now()
	if err := p.resetWithPauseUnpause(ctx, *runner, status, be, ci, ciErr); err != nil {
		return fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	finished := time.Now()
	p.metrics.FinalizeStepDuration.WithLabelValues("reset").Observe(finished.Sub(started).Seconds())

	if err := cpRepo.SetTerminal(ctx, checkpointName, terminal, finished); err != nil {
		return fmt.Errorf("%w: set terminal: %v", models.ErrStore, err)
	}
	p.metrics.CheckpointTransitions.WithLabelValues(string(terminal)).Inc()

	if err := oplogRepo.Insert(ctx, models.OperationLog{
		CheckpointName: checkpointName,
		RunnerID:       cp.RunnerID,
		Operation:      "finalize",
		Backend:        string(runner.Backend),
		Detail:         fmt.Sprintf("status=%s source=%s terminal=%s", status, source, terminal),
		Result:         "ok",
		StartedAt:      started,
		FinishedAt:     finished,
		DurationMS:     finished.Sub(started).Milliseconds(),
	}); err != nil {
		return fmt.Errorf("%w: insert oplog: %v", models.ErrStore, err)
	}

	return tx.Commit(ctx)
}

// resetWithPauseUnpause implements the pause/reset/readiness/unpause
// ordering of §4.8, including the three idempotent unpause call sites:
// after a successful reset, the inner finally, and the outer last-resort
// finally (folded here into one deferred call that no-ops once the first
// unpause has run).
func (p *Pipeline) resetWithPauseUnpause(ctx context.Context, runner models.Runner, status models.FinalizeStatus, be backend.Backend, ci ciadapter.Adapter, ciErr error) error {
	needsPause := runner.CIRunnerID != "" && (status != models.FinalizeSuccess || runner.CleanupCmd != "")

	unpaused := false
	unpause := func() {
		if unpaused || !needsPause || ci == nil {
			return
		}
		unpauseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ci.UnpauseRunner(unpauseCtx, runner.CIBaseURL, runner.CIToken, runner.CIRunnerID); err != nil {
			p.log.Error("unpause_runner failed", "runner_id", runner.RunnerID, "err", err)
			return
		}
		unpaused = true
	}
	// outer last-resort finally (§4.8): runs even if an earlier unpause
	// attempt already happened, in which case it is a no-op via unpaused.
	defer unpause()

	if needsPause {
		if ciErr != nil {
			return fmt.Errorf("resolve ci adapter: %w", ciErr)
		}
		pauseCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ci.PauseRunner(pauseCtx, runner.CIBaseURL, runner.CIToken, runner.CIRunnerID)
		cancel()
		if err != nil {
			return fmt.Errorf("pause_runner: %w", err)
		}
	}

	err := func() error {
		defer unpause() // inner finally
		if err := be.Reset(ctx, runner, status); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		if status != models.FinalizeSuccess {
			if err := be.ReadinessWait(ctx, runner, p.readinessTimeout); err != nil {
				return fmt.Errorf("readiness_wait: %w", err)
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}
	unpause()
	return nil
}

func resolveCIAdapter(runner *models.Runner) (ciadapter.Adapter, error) {
	if runner.CIRunnerID == "" {
		return nil, nil
	}
	ci, err := ciadapter.Get(runner.CIAdapter)
	if err != nil {
		return nil, err
	}
	return ci, nil
}

func (p *Pipeline) lockForCheckpoint(ctx context.Context, checkpointName string) (*store.RunnerLock, error) {
	cp, err := p.checkpoints.GetByNameReadOnly(ctx, checkpointName)
	if err != nil {
		return nil, err
	}
	return p.locker.Acquire(ctx, cp.RunnerID)
}
