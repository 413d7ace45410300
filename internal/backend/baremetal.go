package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// BareMetal is the agent-only backend driver of §4.4: there is no
// hypervisor, so create_checkpoint is a no-op (the checkpoint row itself
// is the checkpoint) and reset runs shell commands over the agent channel.
type BareMetal struct {
	executor AgentExecutor

	readinessPollInterval time.Duration
}

// NewBareMetal builds a BareMetal driver over executor.
func NewBareMetal(executor AgentExecutor) *BareMetal {
	return &BareMetal{executor: executor, readinessPollInterval: 5 * time.Second}
}

// CreateCheckpoint does nothing: bare-metal runners have no snapshot to take.
func (b *BareMetal) CreateCheckpoint(ctx context.Context, runner models.Runner, name string) error {
	return nil
}

// Reset runs cleanup_cmd on success, or reset_cmd on failure/canceled.
// reset_cmd is mandatory on the failure path: an absent command or a
// non-zero exit is a backend error (§4.4).
func (b *BareMetal) Reset(ctx context.Context, runner models.Runner, status models.FinalizeStatus) error {
	if status == models.FinalizeSuccess {
		if runner.CleanupCmd == "" {
			return nil
		}
		code, out, err := b.executor.Exec(ctx, runner.RunnerID, runner.CleanupCmd)
		if err != nil || code != 0 {
			return fmt.Errorf("%w: cleanup_cmd exited %d: %s (%v)", models.ErrBackend, code, out, err)
		}
		return nil
	}

	if runner.ResetCmd == "" {
		return fmt.Errorf("%w: reset_cmd not configured for runner %s", models.ErrBackend, runner.RunnerID)
	}
	code, out, err := b.executor.Exec(ctx, runner.RunnerID, runner.ResetCmd)
	if err != nil || code != 0 {
		return fmt.Errorf("%w: reset_cmd exited %d: %s (%v)", models.ErrBackend, code, out, err)
	}
	return nil
}

// ReadinessWait polls agent connectivity exactly like the hypervisor
// variant (§4.4: "same polling behavior").
func (b *BareMetal) ReadinessWait(ctx context.Context, runner models.Runner, timeout time.Duration) error {
	return pollReadiness(ctx, b.executor, runner, timeout, b.readinessPollInterval)
}
