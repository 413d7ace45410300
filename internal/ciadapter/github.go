package ciadapter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v66/github"
)

// GitHub implements Adapter against the GitHub Actions REST API via
// go-github. GetJobStatus parses job_id as "owner/repo/job_id"; the poller
// passes it the job_id stored on the checkpoint at create, unchanged.
//
// GitHub Actions has no API-level pause for a single self-hosted runner
// (unlike GitLab's runners endpoint), so PauseRunner/UnpauseRunner are
// no-ops here — the critical semantic of §4.5 already guards this: both
// are only invoked when the runner declares a ci_runner_id, and callers
// must not assume the CI side actually stopped routing jobs for GitHub.
type GitHub struct {
	newClient func(token string) *github.Client
}

// NewGitHub builds a GitHub adapter using plain token auth per request.
// NewGitHubApp (github_app.go) builds the installation-authenticated
// variant of this same outbound client.
func NewGitHub() *GitHub {
	return &GitHub{
		newClient: func(token string) *github.Client {
			return github.NewClient(&http.Client{}).WithAuthToken(token)
		},
	}
}

// Name identifies this adapter in the registry.
func (g *GitHub) Name() string { return "github" }

// GetJobStatus fetches a workflow job by id and maps GitHub's
// status/conclusion pair to the canonical four.
func (g *GitHub) GetJobStatus(ctx context.Context, baseURL, token, jobID string) (JobStatus, error) {
	owner, repo, id, err := splitJobID(jobID)
	if err != nil {
		return JobUnknown, nil
	}
	client := g.newClient(token)
	job, _, err := client.Actions.GetWorkflowJobByID(ctx, owner, repo, id)
	if err != nil {
		return JobUnknown, nil
	}
	return mapGitHubStatus(job.GetStatus(), job.GetConclusion()), nil
}

func mapGitHubStatus(status, conclusion string) JobStatus {
	if status != "completed" {
		return JobRunning
	}
	switch conclusion {
	case "success":
		return JobSuccess
	case "cancelled":
		return JobCanceled
	case "failure", "timed_out", "action_required", "startup_failure":
		return JobFailed
	default:
		return JobUnknown
	}
}

// PauseRunner is a documented no-op for GitHub; see the GitHub type doc.
func (g *GitHub) PauseRunner(ctx context.Context, baseURL, token, ciRunnerID string) error {
	return nil
}

// UnpauseRunner is a documented no-op for GitHub; see the GitHub type doc.
func (g *GitHub) UnpauseRunner(ctx context.Context, baseURL, token, ciRunnerID string) error {
	return nil
}

func splitJobID(jobID string) (owner, repo string, id int64, err error) {
	parts := strings.SplitN(jobID, "/", 3)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed github job id %q", jobID)
	}
	id, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, err
	}
	return parts[0], parts[1], id, nil
}
