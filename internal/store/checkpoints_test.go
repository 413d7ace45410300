package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeksuryam/e2epool/internal/models"
)

func newMockCheckpointRepo(t *testing.T) (*CheckpointRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &CheckpointRepo{pool: mock}, mock
}

func TestCheckpointRepoInsert(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	now := time.Now()
	cp := models.Checkpoint{Name: "job-b-1-deadbeef", RunnerID: "r1", JobID: "b-1", State: models.StateCreated, CreatedAt: now}

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs(cp.Name, cp.RunnerID, cp.JobID, cp.State, cp.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Insert(context.Background(), cp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepoGetByNameNotFound(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	mock.ExpectQuery("SELECT (.|\n)*FROM checkpoints").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"name", "runner_id", "job_id", "state", "finalize_status", "finalize_source", "created_at", "finalized_at"}))

	_, err := repo.GetByName(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepoGetByNameFound(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	now := time.Now()
	rows := pgxmock.NewRows([]string{"name", "runner_id", "job_id", "state", "finalize_status", "finalize_source", "created_at", "finalized_at"}).
		AddRow("job-b-1-deadbeef", "r1", "b-1", models.StateCreated, nil, nil, now, nil)
	mock.ExpectQuery("SELECT (.|\n)*FROM checkpoints").
		WithArgs("job-b-1-deadbeef").
		WillReturnRows(rows)

	cp, err := repo.GetByName(context.Background(), "job-b-1-deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "r1", cp.RunnerID)
	assert.Nil(t, cp.FinalizeStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepoQueueFinalizeConflictWhenNoRowsAffected(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	mock.ExpectExec("UPDATE checkpoints").
		WithArgs("job-b-1-deadbeef", models.StateFinalizeQueued, models.FinalizeSuccess, models.SourceHook).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.QueueFinalize(context.Background(), "job-b-1-deadbeef", models.FinalizeSuccess, models.SourceHook)
	assert.ErrorIs(t, err, models.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepoSetTerminalNotFound(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	mock.ExpectExec("UPDATE checkpoints").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.SetTerminal(context.Background(), "job-x", models.StateReset, time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepoMostRecentFinalizedNoRows(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	mock.ExpectQuery("SELECT finalized_at").
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"finalized_at"}))

	got, err := repo.MostRecentFinalized(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRepoListCreatedOlderThan(t *testing.T) {
	repo, mock := newMockCheckpointRepo(t)
	cutoff := time.Now()
	rows := pgxmock.NewRows([]string{"name", "runner_id", "job_id", "state", "finalize_status", "finalize_source", "created_at", "finalized_at"}).
		AddRow("job-a-1-deadbeef", "r1", "a-1", models.StateCreated, nil, nil, cutoff.Add(-time.Hour), nil).
		AddRow("job-a-2-deadbeef", "r2", "a-2", models.StateCreated, nil, nil, cutoff.Add(-2*time.Hour), nil)
	mock.ExpectQuery("SELECT (.|\n)*FROM checkpoints").
		WithArgs(models.StateCreated, cutoff, 10).
		WillReturnRows(rows)

	out, err := repo.ListCreatedOlderThan(context.Background(), cutoff, 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
