package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// HTTPDoer is satisfied by *http.Client; narrowed so tests can substitute
// a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Proxmox is the hypervisor-backed backend driver of §4.4. create_checkpoint
// maps to a snapshot create, reset on success is cleanup+snapshot delete,
// reset on failure/canceled is the full stop->rollback->start->delete
// sequence, and readiness_wait polls the agent channel (and, if configured,
// a readiness command run over it).
type Proxmox struct {
	client   HTTPDoer
	executor AgentExecutor
	breaker  *gobreaker.CircuitBreaker

	readinessPollInterval time.Duration
	taskPollInterval      time.Duration
}

// NewProxmox builds a Proxmox driver. httpClient talks to the hypervisor
// REST API; executor reaches the runner's agent for cleanup/reset/readiness
// commands.
func NewProxmox(httpClient HTTPDoer, executor AgentExecutor) *Proxmox {
	return &Proxmox{
		client:   httpClient,
		executor: executor,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "proxmox",
			MaxRequests: 2,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		readinessPollInterval: 5 * time.Second,
		taskPollInterval:      2 * time.Second,
	}
}

// CreateCheckpoint issues a snapshot-create call and waits for it to
// complete (the hypervisor's task endpoint is polled when the snapshot
// call is asynchronous, per §4.4).
func (p *Proxmox) CreateCheckpoint(ctx context.Context, runner models.Runner, name string) error {
	task, err := p.call(ctx, runner, "POST", p.snapshotPath(runner), map[string]any{
		"snapname": name,
	})
	if err != nil {
		return fmt.Errorf("%w: create snapshot: %v", models.ErrBackend, err)
	}
	return p.awaitTask(ctx, runner, task)
}

// Reset branches on the job outcome per §4.4: success runs cleanup and
// drops the snapshot; failure/canceled stops the VM, rolls back, restarts
// it, and then drops the snapshot.
func (p *Proxmox) Reset(ctx context.Context, runner models.Runner, status models.FinalizeStatus) error {
	if status == models.FinalizeSuccess {
		if runner.CleanupCmd != "" {
			if code, out, err := p.executor.Exec(ctx, runner.RunnerID, runner.CleanupCmd); err != nil || code != 0 {
				return fmt.Errorf("%w: cleanup_cmd exited %d: %s (%v)", models.ErrBackend, code, out, err)
			}
		}
		return p.deleteSnapshot(ctx, runner)
	}

	// failure or canceled: stop (tolerating already-stopped) -> rollback -> start -> delete snapshot.
	task, err := p.call(ctx, runner, "POST", p.vmPath(runner)+"/status/stop", map[string]any{"forceStop": 1})
	if err != nil {
		return fmt.Errorf("%w: stop vm: %v", models.ErrBackend, err)
	}
	if err := p.awaitTaskTolerant(ctx, runner, task); err != nil {
		return fmt.Errorf("%w: await stop: %v", models.ErrBackend, err)
	}

	task, err = p.call(ctx, runner, "POST", p.snapshotPath(runner)+"/rollback", nil)
	if err != nil {
		return fmt.Errorf("%w: rollback: %v", models.ErrBackend, err)
	}
	if err := p.awaitTask(ctx, runner, task); err != nil {
		return fmt.Errorf("%w: await rollback: %v", models.ErrBackend, err)
	}

	task, err = p.call(ctx, runner, "POST", p.vmPath(runner)+"/status/start", nil)
	if err != nil {
		return fmt.Errorf("%w: start vm: %v", models.ErrBackend, err)
	}
	if err := p.awaitTask(ctx, runner, task); err != nil {
		return fmt.Errorf("%w: await start: %v", models.ErrBackend, err)
	}

	return p.deleteSnapshot(ctx, runner)
}

func (p *Proxmox) deleteSnapshot(ctx context.Context, runner models.Runner) error {
	task, err := p.call(ctx, runner, "DELETE", p.snapshotPath(runner), nil)
	if err != nil {
		return fmt.Errorf("%w: delete snapshot: %v", models.ErrBackend, err)
	}
	return p.awaitTask(ctx, runner, task)
}

// ReadinessWait polls agent connectivity (and, if configured, a readiness
// command run over it) every pollInterval until timeout.
func (p *Proxmox) ReadinessWait(ctx context.Context, runner models.Runner, timeout time.Duration) error {
	return pollReadiness(ctx, p.executor, runner, timeout, p.readinessPollInterval)
}

func pollReadiness(ctx context.Context, executor AgentExecutor, runner models.Runner, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if executor.Connected(runner.RunnerID) {
			if runner.ReadinessCmd == "" {
				return nil
			}
			if code, _, err := executor.Exec(ctx, runner.RunnerID, runner.ReadinessCmd); err == nil && code == 0 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return models.ErrReadinessTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (p *Proxmox) snapshotPath(runner models.Runner) string {
	return p.vmPath(runner) + "/snapshot"
}

func (p *Proxmox) vmPath(runner models.Runner) string {
	return fmt.Sprintf("/api2/json/nodes/%s/qemu/%s", runner.HypervisorNode, runner.HypervisorVMID)
}

// call performs one hypervisor REST request through the circuit breaker
// and returns the UPID of the task it started, if any.
func (p *Proxmox) call(ctx context.Context, runner models.Runner, method, path string, body map[string]any) (string, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, runner.HypervisorHost+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "PVEAPIToken="+runner.HypervisorTokenID+"="+runner.HypervisorSecret)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("hypervisor returned status %d", resp.StatusCode)
		}

		var out struct {
			Data string `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", nil //nolint:nilerr // some endpoints respond with no task body
		}
		return out.Data, nil
	})
	if err != nil {
		return "", err
	}
	upid, _ := result.(string)
	return upid, nil
}

// awaitTask polls the hypervisor task-status endpoint until it reports
// success, surfacing any non-OK exit status as an error.
func (p *Proxmox) awaitTask(ctx context.Context, runner models.Runner, upid string) error {
	if upid == "" {
		return nil
	}
	path := fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", runner.HypervisorNode, upid)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.taskPollInterval):
		}

		status, exitStatus, err := p.taskStatus(ctx, runner, path)
		if err != nil {
			return err
		}
		if status != "running" {
			if exitStatus != "" && exitStatus != "OK" {
				return fmt.Errorf("task %s exited: %s", upid, exitStatus)
			}
			return nil
		}
	}
}

// awaitTaskTolerant is awaitTask but swallows any failure, since stop is
// idempotent at the boundary: an already-stopped VM is not an error
// (§4.4's stop tie-break).
func (p *Proxmox) awaitTaskTolerant(ctx context.Context, runner models.Runner, upid string) error {
	_ = p.awaitTask(ctx, runner, upid)
	return nil
}

func (p *Proxmox) taskStatus(ctx context.Context, runner models.Runner, path string) (status, exitStatus string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", runner.HypervisorHost+path, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "PVEAPIToken="+runner.HypervisorTokenID+"="+runner.HypervisorSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var out struct {
		Data struct {
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.Data.Status, out.Data.ExitStatus, nil
}
