package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// CheckpointRepo is the checkpoint half of the §4.1 store. Every method
// accepts a dbtx so callers can run inside the lock-holding transaction
// (RunnerLock.Tx) or directly against the pool when no cross-replica
// exclusion is needed (read-only status lookups, GC/reconciler scans).
type CheckpointRepo struct {
	pool dbtx
}

// NewCheckpointRepo builds a CheckpointRepo bound to the store's pool.
func NewCheckpointRepo(s *Store) *CheckpointRepo {
	return &CheckpointRepo{pool: s.pool}
}

// With returns a CheckpointRepo bound to tx instead of the pool, for use
// inside a RunnerLock's critical section.
func (r *CheckpointRepo) With(tx pgx.Tx) *CheckpointRepo {
	return &CheckpointRepo{pool: tx}
}

// Insert creates a new checkpoint row in state "created" (§4.7 step 7).
func (r *CheckpointRepo) Insert(ctx context.Context, cp models.Checkpoint) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO checkpoints (name, runner_id, job_id, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.Name, cp.RunnerID, cp.JobID, cp.State, cp.CreatedAt)
	return err
}

// GetActiveForRunner returns the non-terminal checkpoint for runnerID, if
// any, locking the row FOR UPDATE so the single-active invariant (§3.2.1)
// can be checked and enforced within the caller's transaction.
func (r *CheckpointRepo) GetActiveForRunner(ctx context.Context, runnerID string) (*models.Checkpoint, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT name, runner_id, job_id, state, finalize_status, finalize_source, created_at, finalized_at
		FROM checkpoints
		WHERE runner_id = $1 AND state IN ('created', 'finalize_queued')
		FOR UPDATE
	`, runnerID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetActiveForRunnerReadOnly is GetActiveForRunner without the row lock,
// used by the webhook handlers to resolve a runner id to its current
// checkpoint name before calling queue_finalize (which re-fetches the row
// FOR UPDATE itself).
func (r *CheckpointRepo) GetActiveForRunnerReadOnly(ctx context.Context, runnerID string) (*models.Checkpoint, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT name, runner_id, job_id, state, finalize_status, finalize_source, created_at, finalized_at
		FROM checkpoints
		WHERE runner_id = $1 AND state IN ('created', 'finalize_queued')
	`, runnerID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetByName fetches a checkpoint by its primary key, locking it FOR UPDATE
// so queue_finalize and the finalize worker can serialize on a single row.
func (r *CheckpointRepo) GetByName(ctx context.Context, name string) (*models.Checkpoint, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT name, runner_id, job_id, state, finalize_status, finalize_source, created_at, finalized_at
		FROM checkpoints
		WHERE name = $1
		FOR UPDATE
	`, name)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetByNameReadOnly is GetByName without the row lock, for the status
// endpoint (§6.1, read path that never needs serialization).
func (r *CheckpointRepo) GetByNameReadOnly(ctx context.Context, name string) (*models.Checkpoint, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT name, runner_id, job_id, state, finalize_status, finalize_source, created_at, finalized_at
		FROM checkpoints
		WHERE name = $1
	`, name)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// QueueFinalize transitions a checkpoint from created to finalize_queued,
// recording the status/source that triggered it (§4.7 queue_finalize,
// §3.2.2 edge created->finalize_queued).
func (r *CheckpointRepo) QueueFinalize(ctx context.Context, name string, status models.FinalizeStatus, source models.FinalizeSource) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE checkpoints
		SET state = $2, finalize_status = $3, finalize_source = $4
		WHERE name = $1 AND state = 'created'
	`, name, models.StateFinalizeQueued, status, source)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// SetTerminal writes a terminal state (reset/deleted/gc_reset) and the
// finalized_at timestamp, after every finalize side effect has succeeded
// (§4.8: "terminal state only committed once pause/reset/unpause all
// succeeded").
func (r *CheckpointRepo) SetTerminal(ctx context.Context, name string, state models.CheckpointState, finalizedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE checkpoints
		SET state = $2, finalized_at = $3
		WHERE name = $1
	`, name, state, finalizedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MostRecentFinalized returns the finalized_at of the runner's most recent
// terminal checkpoint, used to enforce the create cooldown (§4.7 step 4).
func (r *CheckpointRepo) MostRecentFinalized(ctx context.Context, runnerID string) (*time.Time, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT finalized_at
		FROM checkpoints
		WHERE runner_id = $1 AND finalized_at IS NOT NULL
		ORDER BY finalized_at DESC
		LIMIT 1
	`, runnerID)
	var finalizedAt time.Time
	if err := row.Scan(&finalizedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &finalizedAt, nil
}

// ListCreatedOlderThan returns up to limit checkpoints still in "created"
// whose created_at is older than cutoff, for the GC sweep (§4.1, C10).
func (r *CheckpointRepo) ListCreatedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Checkpoint, error) {
	return r.listInStateOlderThan(ctx, models.StateCreated, cutoff, limit)
}

// ListFinalizeQueuedOlderThan returns up to limit checkpoints stuck in
// "finalize_queued" whose created_at is older than cutoff, for the startup
// and periodic reconciler (§4.1, C11).
func (r *CheckpointRepo) ListFinalizeQueuedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Checkpoint, error) {
	return r.listInStateOlderThan(ctx, models.StateFinalizeQueued, cutoff, limit)
}

func (r *CheckpointRepo) listInStateOlderThan(ctx context.Context, state models.CheckpointState, cutoff time.Time, limit int) ([]models.Checkpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, runner_id, job_id, state, finalize_status, finalize_source, created_at, finalized_at
		FROM checkpoints
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, state, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row pgx.Row) (*models.Checkpoint, error) {
	return scanCheckpointRow(row)
}

func scanCheckpointRow(row rowScanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var status, source *string
	if err := row.Scan(&cp.Name, &cp.RunnerID, &cp.JobID, &cp.State, &status, &source, &cp.CreatedAt, &cp.FinalizedAt); err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	if status != nil {
		s := models.FinalizeStatus(*status)
		cp.FinalizeStatus = &s
	}
	if source != nil {
		s := models.FinalizeSource(*source)
		cp.FinalizeSource = &s
	}
	return &cp, nil
}
