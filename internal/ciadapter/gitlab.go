package ciadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GitLab implements Adapter against the GitLab REST API v4. No GitLab Go
// SDK appears anywhere in the example corpus (unlike GitHub, which has
// google/go-github), so this client is hand-rolled net/http — the same
// shape the corpus uses for every other small outbound client.
type GitLab struct {
	client *http.Client
}

// NewGitLab builds a GitLab adapter with the given request timeout
// (default 30s per §4.5).
func NewGitLab(timeout time.Duration) *GitLab {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitLab{client: &http.Client{Timeout: timeout}}
}

// Name identifies this adapter in the registry.
func (g *GitLab) Name() string { return "gitlab" }

// GetJobStatus calls GET /api/v4/jobs/{job_id} (scope: read-api) and maps
// GitLab's job status to the canonical four (§4.5). Network errors are
// retryable and non-terminal, so they map to JobUnknown rather than an
// error.
func (g *GitLab) GetJobStatus(ctx context.Context, baseURL, token, jobID string) (JobStatus, error) {
	url := fmt.Sprintf("%s/api/v4/jobs/%s", strings.TrimRight(baseURL, "/"), jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return JobUnknown, err
	}
	req.Header.Set("PRIVATE-TOKEN", token)

	resp, err := g.client.Do(req)
	if err != nil {
		return JobUnknown, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return JobUnknown, nil
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return JobUnknown, nil
	}
	return mapGitLabStatus(body.Status), nil
}

func mapGitLabStatus(status string) JobStatus {
	switch status {
	case "running", "pending", "created":
		return JobRunning
	case "success":
		return JobSuccess
	case "failed":
		return JobFailed
	case "canceled", "canceling", "skipped":
		return JobCanceled
	default:
		return JobUnknown
	}
}

// PauseRunner calls PUT /api/v4/runners/{runner_id} with paused=true
// (scope: manage-runner or admin).
func (g *GitLab) PauseRunner(ctx context.Context, baseURL, token, ciRunnerID string) error {
	return g.setPaused(ctx, baseURL, token, ciRunnerID, true)
}

// UnpauseRunner calls the same endpoint with paused=false.
func (g *GitLab) UnpauseRunner(ctx context.Context, baseURL, token, ciRunnerID string) error {
	return g.setPaused(ctx, baseURL, token, ciRunnerID, false)
}

func (g *GitLab) setPaused(ctx context.Context, baseURL, token, ciRunnerID string, paused bool) error {
	url := fmt.Sprintf("%s/api/v4/runners/%s", strings.TrimRight(baseURL, "/"), ciRunnerID)
	body, err := json.Marshal(map[string]bool{"paused": paused})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab runner pause request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gitlab returned status %d setting paused=%v", resp.StatusCode, paused)
	}
	return nil
}
