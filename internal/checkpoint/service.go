// Package checkpoint implements the checkpoint service (C7): create,
// queue_finalize, and get_status exactly as specified in §4.7, wrapping
// every state-mutating flow in the per-runner advisory lock and a
// transaction scoped to that lock's connection.
package checkpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadeksuryam/e2epool/internal/backend"
	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/registry"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// Broker is the subset of the finalize task queue (C8) the service needs.
type Broker interface {
	Enqueue(ctx context.Context, checkpointName string) error
}

// Service implements C7.
type Service struct {
	store       *store.Store
	locker      *store.Locker
	checkpoints *store.CheckpointRepo
	oplog       *store.OperationLogRepo
	registry    *registry.Registry
	broker      Broker
	metrics     *metrics.Metrics
	cooldown    time.Duration
	log         *slog.Logger
}

// New builds a checkpoint Service.
func New(st *store.Store, locker *store.Locker, reg *registry.Registry, broker Broker, m *metrics.Metrics, cooldown time.Duration, log *slog.Logger) *Service {
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	return &Service{
		store:       st,
		locker:      locker,
		checkpoints: store.NewCheckpointRepo(st),
		oplog:       store.NewOperationLogRepo(st),
		registry:    reg,
		broker:      broker,
		metrics:     m,
		cooldown:    cooldown,
		log:         log,
	}
}

// Create implements §4.7's create(runner_id, job_id, caller_token).
func (s *Service) Create(ctx context.Context, runnerID, jobID, callerToken string) (*models.Checkpoint, error) {
	if !models.ValidJobID(jobID) {
		return nil, fmt.Errorf("%w: invalid job_id", models.ErrValidation)
	}

	caller, err := s.registry.LookupByToken(ctx, callerToken)
	if err != nil || caller.RunnerID != runnerID {
		return nil, models.ErrAuth
	}

	lock, err := s.locker.Acquire(ctx, runnerID)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock: %v", models.ErrStore, err)
	}
	defer lock.Release(ctx)

	tx, err := lock.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", models.ErrStore, err)
	}
	defer tx.Rollback(ctx)

	cpRepo := s.checkpoints.With(tx)
	oplogRepo := s.oplog.With(tx)

	if active, err := cpRepo.GetActiveForRunner(ctx, runnerID); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
	} else if active != nil {
		return nil, models.ErrConflict
	}

	if mostRecent, err := cpRepo.MostRecentFinalized(ctx, runnerID); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
	} else if mostRecent != nil && time.Since(*mostRecent) < s.cooldown {
		return nil, models.ErrCooldown
	}

	name, err := generateCheckpointName(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: generate name: %v", models.ErrStore, err)
	}

	be, err := backend.Get(string(caller.Backend))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}

	started := time.Now()
	if err := be.CreateCheckpoint(ctx, *caller, name); err != nil {
		return nil, fmt.Errorf("%w: create_checkpoint: %v", models.ErrBackend, err)
	}

	cp := models.Checkpoint{
		Name:      name,
		RunnerID:  runnerID,
		JobID:     jobID,
		State:     models.StateCreated,
		CreatedAt: started,
	}
	if err := cpRepo.Insert(ctx, cp); err != nil {
		return nil, fmt.Errorf("%w: insert checkpoint: %v", models.ErrStore, err)
	}

	finished := time.Now()
	if err := oplogRepo.Insert(ctx, models.OperationLog{
		CheckpointName: name,
		RunnerID:       runnerID,
		Operation:      "create_checkpoint",
		Backend:        string(caller.Backend),
		Result:         "ok",
		StartedAt:      started,
		FinishedAt:     finished,
		DurationMS:     finished.Sub(started).Milliseconds(),
	}); err != nil {
		return nil, fmt.Errorf("%w: insert oplog: %v", models.ErrStore, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", models.ErrStore, err)
	}
	s.metrics.CheckpointTransitions.WithLabelValues(string(models.StateCreated)).Inc()
	return &cp, nil
}

// ErrAlreadyFinalized and ErrAlreadyQueued signal the 202 no-op branches
// of queue_finalize (§4.7 step 3); they are not failures.
var (
	ErrAlreadyFinalized = errors.New("checkpoint already finalized")
	ErrAlreadyQueued    = errors.New("checkpoint already queued for finalize")
)

// QueueFinalize implements §4.7's queue_finalize(runner_id, checkpoint_name,
// status, source). It is the single entry point all three completion
// detectors (C9) and the agent's `finalize` RPC converge on.
func (s *Service) QueueFinalize(ctx context.Context, runnerID, checkpointName string, status models.FinalizeStatus, source models.FinalizeSource) error {
	if !models.ValidFinalizeStatus(string(status)) {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}
	if !models.ValidFinalizeSource(string(source)) {
		return fmt.Errorf("%w: invalid source %q", models.ErrValidation, source)
	}

	lock, err := s.locker.Acquire(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("%w: acquire lock: %v", models.ErrStore, err)
	}
	defer lock.Release(ctx)

	tx, err := lock.Tx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", models.ErrStore, err)
	}
	defer tx.Rollback(ctx)

	cpRepo := s.checkpoints.With(tx)

	cp, err := cpRepo.GetByName(ctx, checkpointName)
	if err != nil {
		return err // models.ErrNotFound propagates as-is
	}
	if cp.RunnerID != runnerID {
		return models.ErrNotFound // hide existence of another runner's checkpoint
	}
	if cp.State.IsTerminal() {
		return ErrAlreadyFinalized
	}
	if cp.State == models.StateFinalizeQueued {
		return ErrAlreadyQueued
	}

	if err := cpRepo.QueueFinalize(ctx, checkpointName, status, source); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStore, err)
	}

	if err := s.broker.Enqueue(ctx, checkpointName); err != nil {
		// rollback is implicit: tx.Rollback below undoes the state update.
		return fmt.Errorf("%w: enqueue: %v", models.ErrBroker, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrStore, err)
	}
	s.metrics.CheckpointTransitions.WithLabelValues(string(models.StateFinalizeQueued)).Inc()
	return nil
}

// GetStatus implements §4.7's get_status, scoped to the caller's token.
func (s *Service) GetStatus(ctx context.Context, checkpointName, callerToken string) (*models.Checkpoint, error) {
	caller, err := s.registry.LookupByToken(ctx, callerToken)
	if err != nil {
		return nil, models.ErrAuth
	}

	cp, err := s.checkpoints.GetByNameReadOnly(ctx, checkpointName)
	if err != nil {
		return nil, err
	}
	if cp.RunnerID != caller.RunnerID {
		return nil, models.ErrNotFound
	}
	return cp, nil
}

// generateCheckpointName builds the §6.2 name grammar:
// job-<job_id>-<unix_ts>-<8 hex chars>.
func generateCheckpointName(jobID string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("job-%s-%d-%s", jobID, time.Now().Unix(), hex.EncodeToString(buf)), nil
}
