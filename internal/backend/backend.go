// Package backend implements the two checkpoint backend drivers (C4):
// proxmox (hypervisor-backed VMs) and bare_metal (agent-driven commands
// only). Both satisfy the same Backend capability set so the finalize
// pipeline (internal/finalize) never branches on backend kind itself.
package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// Backend is the capability set of §4.4.
type Backend interface {
	CreateCheckpoint(ctx context.Context, runner models.Runner, name string) error
	Reset(ctx context.Context, runner models.Runner, status models.FinalizeStatus) error
	ReadinessWait(ctx context.Context, runner models.Runner, timeout time.Duration) error
}

// AgentExecutor is the subset of the agent channel (C6) the backend
// drivers need: running a command on the runner host and checking whether
// its connection is currently live. Kept as a narrow interface here so
// this package never imports internal/agentchannel directly.
type AgentExecutor interface {
	Exec(ctx context.Context, runnerID, command string) (exitCode int, output string, err error)
	Connected(runnerID string) bool
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

// Register makes a Backend available under name, typically called once
// at wiring time in main (mirrors the CI-adapter registry pattern).
func Register(name string, b Backend) {
	mu.Lock()
	defer mu.Unlock()
	backends[name] = b
}

// Get returns the Backend registered under name.
func Get(name string) (Backend, error) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}
