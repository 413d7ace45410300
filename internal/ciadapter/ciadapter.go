// Package ciadapter implements the CI adapter capability set (C5):
// get_job_status, pause_runner, and unpause_runner, polymorphic over the
// CI platform. Adapters are registered by name and looked up the same way
// backend drivers are (internal/backend), so the rest of the controller
// never branches on CI platform.
package ciadapter

import (
	"context"
	"fmt"
	"sync"
)

// JobStatus is the canonical outcome every adapter normalizes
// platform-specific statuses into (§4.5): four job states plus unknown.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
	JobUnknown   JobStatus = "unknown"
)

// Adapter is the capability set of §4.5.
type Adapter interface {
	Name() string
	GetJobStatus(ctx context.Context, baseURL, token, jobID string) (JobStatus, error)
	PauseRunner(ctx context.Context, baseURL, token, ciRunnerID string) error
	UnpauseRunner(ctx context.Context, baseURL, token, ciRunnerID string) error
}

var (
	mu       sync.RWMutex
	adapters = map[string]Adapter{}
)

// Register makes an Adapter available by its Name(), typically called at
// wiring time in main.
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[a.Name()] = a
}

// Get returns the Adapter registered under name.
func Get(name string) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown CI adapter %q", name)
	}
	return a, nil
}
