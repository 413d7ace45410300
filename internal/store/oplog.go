package store

import (
	"context"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// OperationLogRepo appends to the audit trail of §3.1. Rows are never
// updated or deleted by application code.
type OperationLogRepo struct {
	pool dbtx
}

// NewOperationLogRepo builds an OperationLogRepo bound to the store's pool.
func NewOperationLogRepo(s *Store) *OperationLogRepo {
	return &OperationLogRepo{pool: s.pool}
}

// Insert appends one operation-log row.
func (r *OperationLogRepo) Insert(ctx context.Context, op models.OperationLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO operation_logs (
			checkpoint_name, runner_id, operation, backend, detail, result,
			started_at, finished_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		op.CheckpointName, op.RunnerID, op.Operation, op.Backend, op.Detail, op.Result,
		op.StartedAt, op.FinishedAt, op.DurationMS,
	)
	return err
}
