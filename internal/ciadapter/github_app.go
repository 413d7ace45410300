package ciadapter

import (
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"
)

// NewGitHubApp builds a GitHub adapter authenticated as a GitHub App
// installation rather than a plain personal-access token. This is for
// deployments where e2epool manages org-scoped self-hosted runner hosts
// registered under a GitHub App rather than per-runner PATs; the per-call
// token argument to GetJobStatus/PauseRunner/UnpauseRunner is then ignored
// in favor of the installation transport's own auto-refreshed token.
func NewGitHubApp(appID, installationID int64, privateKeyPEM []byte) (*GitHub, error) {
	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("build github app transport: %w", err)
	}
	httpClient := &http.Client{Transport: transport}
	ghClient := github.NewClient(httpClient)
	return &GitHub{
		newClient: func(token string) *github.Client {
			return ghClient
		},
	}, nil
}
