package ciadapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/go-github/v66/github"
)

func TestSplitJobID(t *testing.T) {
	owner, repo, id, err := splitJobID("acme/widgets/12345")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, int64(12345), id)

	_, _, _, err = splitJobID("acme/widgets")
	assert.Error(t, err)

	_, _, _, err = splitJobID("acme/widgets/not-a-number")
	assert.Error(t, err)
}

func TestMapGitHubStatus(t *testing.T) {
	cases := []struct {
		status, conclusion string
		want               JobStatus
	}{
		{"queued", "", JobRunning},
		{"in_progress", "", JobRunning},
		{"completed", "success", JobSuccess},
		{"completed", "cancelled", JobCanceled},
		{"completed", "failure", JobFailed},
		{"completed", "timed_out", JobFailed},
		{"completed", "action_required", JobFailed},
		{"completed", "startup_failure", JobFailed},
		{"completed", "neutral", JobUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mapGitHubStatus(c.status, c.conclusion), fmt.Sprintf("%s/%s", c.status, c.conclusion))
	}
}

func TestGitHubGetJobStatusMapsWorkflowJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/actions/jobs/555", r.URL.Path)
		w.Write([]byte(`{"status":"completed","conclusion":"success"}`))
	}))
	defer srv.Close()

	g := &GitHub{
		newClient: func(token string) *github.Client {
			c := github.NewClient(nil)
			c.BaseURL, _ = url.Parse(srv.URL + "/")
			return c
		},
	}

	status, err := g.GetJobStatus(context.Background(), "", "tok", "acme/widgets/555")
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, status)
}

func TestGitHubGetJobStatusMalformedJobIDIsUnknown(t *testing.T) {
	g := NewGitHub()
	status, err := g.GetJobStatus(context.Background(), "", "tok", "not-a-valid-id")
	require.NoError(t, err)
	assert.Equal(t, JobUnknown, status)
}

func TestGitHubPauseAndUnpauseAreNoops(t *testing.T) {
	g := NewGitHub()
	assert.NoError(t, g.PauseRunner(context.Background(), "", "tok", "5"))
	assert.NoError(t, g.UnpauseRunner(context.Background(), "", "tok", "5"))
}
