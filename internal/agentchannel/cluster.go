package agentchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ClusterExecutor satisfies backend.AgentExecutor across replicas: it
// tries the local Server first, and on a miss fans out to the other
// replicas' internal exec endpoint (§4.6, "dispatch via internal HTTP
// endpoint, 404 if not the holder"). Exactly one replica ever answers
// non-404, since a runner holds at most one live connection cluster-wide.
type ClusterExecutor struct {
	local   *Server
	peers   []string
	client  *http.Client
}

// NewClusterExecutor builds a ClusterExecutor. peers is the list of sibling
// replica base URLs (not including this one).
func NewClusterExecutor(local *Server, peers []string, timeout time.Duration) *ClusterExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClusterExecutor{local: local, peers: peers, client: &http.Client{Timeout: timeout}}
}

// Connected reports whether any replica (local or peer) holds the
// runner's connection.
func (c *ClusterExecutor) Connected(runnerID string) bool {
	if c.local.Connected(runnerID) {
		return true
	}
	for _, peer := range c.peers {
		req, err := http.NewRequest(http.MethodGet, peer+"/internal/agent/"+runnerID+"/connected", nil)
		if err != nil {
			continue
		}
		resp, err := c.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true
		}
	}
	return false
}

// Exec runs command on runnerID wherever its connection currently lives.
func (c *ClusterExecutor) Exec(ctx context.Context, runnerID, command string) (int, string, error) {
	if c.local.Connected(runnerID) {
		return c.local.Exec(ctx, runnerID, command)
	}

	body, err := json.Marshal(ExecPayload{Command: command})
	if err != nil {
		return 0, "", err
	}
	for _, peer := range c.peers {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/internal/agent/"+runnerID+"/exec", bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		defer resp.Body.Close()
		var result ExecResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return 0, "", err
		}
		return result.ExitCode, result.Output, nil
	}
	return 0, "", fmt.Errorf("no replica holds a connection for runner %s", runnerID)
}

// InternalExecHandler serves POST /internal/agent/{runner_id}/exec: if
// this replica holds the connection, it runs the command and answers 200;
// otherwise 404, so the caller tries the next peer.
func (s *Server) InternalExecHandler(w http.ResponseWriter, r *http.Request, runnerID string) {
	if !s.Connected(runnerID) {
		http.NotFound(w, r)
		return
	}
	var payload ExecPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	exitCode, output, err := s.Exec(r.Context(), runnerID, payload.Command)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ExecResult{ExitCode: exitCode, Output: output})
}

// InternalConnectedHandler serves GET /internal/agent/{runner_id}/connected:
// 200 if this replica holds the connection, 404 otherwise.
func (s *Server) InternalConnectedHandler(w http.ResponseWriter, r *http.Request, runnerID string) {
	if !s.Connected(runnerID) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}
