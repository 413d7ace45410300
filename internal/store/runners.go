package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// RunnerRepo is the runner registry's persistence half (§3.1, C3).
type RunnerRepo struct {
	pool dbtx
}

// NewRunnerRepo builds a RunnerRepo bound to the store's pool.
func NewRunnerRepo(s *Store) *RunnerRepo {
	return &RunnerRepo{pool: s.pool}
}

// Upsert inserts a new runner or reactivates/overwrites an existing one.
// Reactivating a soft-deleted runner id rotates its token, per §3.1's
// invariant that a token is never reused across an active/inactive cycle.
func (r *RunnerRepo) Upsert(ctx context.Context, rn models.Runner) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runners (
			runner_id, token, backend, ci_adapter,
			hypervisor_host, hypervisor_token_id, hypervisor_secret, hypervisor_node, hypervisor_vmid,
			reset_cmd, cleanup_cmd, readiness_cmd,
			ci_base_url, ci_token, ci_runner_id,
			is_active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			true, now(), now()
		)
		ON CONFLICT (runner_id) DO UPDATE SET
			token = EXCLUDED.token,
			backend = EXCLUDED.backend,
			ci_adapter = EXCLUDED.ci_adapter,
			hypervisor_host = EXCLUDED.hypervisor_host,
			hypervisor_token_id = EXCLUDED.hypervisor_token_id,
			hypervisor_secret = EXCLUDED.hypervisor_secret,
			hypervisor_node = EXCLUDED.hypervisor_node,
			hypervisor_vmid = EXCLUDED.hypervisor_vmid,
			reset_cmd = EXCLUDED.reset_cmd,
			cleanup_cmd = EXCLUDED.cleanup_cmd,
			readiness_cmd = EXCLUDED.readiness_cmd,
			ci_base_url = EXCLUDED.ci_base_url,
			ci_token = EXCLUDED.ci_token,
			ci_runner_id = EXCLUDED.ci_runner_id,
			is_active = true,
			updated_at = now()
	`,
		rn.RunnerID, rn.Token, rn.Backend, rn.CIAdapter,
		rn.HypervisorHost, rn.HypervisorTokenID, rn.HypervisorSecret, rn.HypervisorNode, rn.HypervisorVMID,
		rn.ResetCmd, rn.CleanupCmd, rn.ReadinessCmd,
		rn.CIBaseURL, rn.CIToken, rn.CIRunnerID,
	)
	return err
}

// GetByID looks up a runner by its id, active or not.
func (r *RunnerRepo) GetByID(ctx context.Context, runnerID string) (*models.Runner, error) {
	row := r.pool.QueryRow(ctx, runnerSelect+" WHERE runner_id = $1", runnerID)
	rn, err := scanRunner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rn, nil
}

// GetByToken is the reverse lookup the bearer-token auth middleware uses
// (§6.1) and the TTL cache (C3) refills on a miss. Inactive runners never
// authenticate.
func (r *RunnerRepo) GetByToken(ctx context.Context, token string) (*models.Runner, error) {
	row := r.pool.QueryRow(ctx, runnerSelect+" WHERE token = $1 AND is_active = true", token)
	rn, err := scanRunner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rn, nil
}

// GetByCIRunnerID looks up a runner by the CI platform's own runner id
// (ci_runner_id), used to route inbound webhook payloads — which only
// know the CI platform's identifiers — back to an e2epool runner_id.
func (r *RunnerRepo) GetByCIRunnerID(ctx context.Context, ciRunnerID string) (*models.Runner, error) {
	row := r.pool.QueryRow(ctx, runnerSelect+" WHERE ci_runner_id = $1 AND is_active = true", ciRunnerID)
	rn, err := scanRunner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rn, nil
}

// List returns all runners, optionally including soft-deleted ones.
func (r *RunnerRepo) List(ctx context.Context, includeInactive bool) ([]models.Runner, error) {
	query := runnerSelect
	if !includeInactive {
		query += " WHERE is_active = true"
	}
	query += " ORDER BY runner_id ASC"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Runner
	for rows.Next() {
		rn, err := scanRunnerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rn)
	}
	return out, rows.Err()
}

// SoftDelete marks a runner inactive without removing its row, preserving
// the operation-log foreign-key trail (§3.1).
func (r *RunnerRepo) SoftDelete(ctx context.Context, runnerID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runners SET is_active = false, updated_at = now() WHERE runner_id = $1
	`, runnerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

const runnerSelect = `
	SELECT
		runner_id, token, backend, ci_adapter,
		hypervisor_host, hypervisor_token_id, hypervisor_secret, hypervisor_node, hypervisor_vmid,
		reset_cmd, cleanup_cmd, readiness_cmd,
		ci_base_url, ci_token, ci_runner_id,
		is_active, created_at, updated_at
	FROM runners`

func scanRunner(row pgx.Row) (*models.Runner, error) {
	return scanRunnerRow(row)
}

func scanRunnerRow(row rowScanner) (*models.Runner, error) {
	var rn models.Runner
	if err := row.Scan(
		&rn.RunnerID, &rn.Token, &rn.Backend, &rn.CIAdapter,
		&rn.HypervisorHost, &rn.HypervisorTokenID, &rn.HypervisorSecret, &rn.HypervisorNode, &rn.HypervisorVMID,
		&rn.ResetCmd, &rn.CleanupCmd, &rn.ReadinessCmd,
		&rn.CIBaseURL, &rn.CIToken, &rn.CIRunnerID,
		&rn.IsActive, &rn.CreatedAt, &rn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rn, nil
}
