// Package agentchannel implements the controller side of the persistent
// bidirectional agent channel (C6): a WebSocket connection the runner host
// initiates outbound, multiplexing many in-flight requests by correlation
// id, plus heartbeats and a cross-replica dispatch path for exec calls
// landing on a replica that isn't holding the runner's connection.
package agentchannel

import "encoding/json"

// Envelope is the wire message both directions of the channel exchange.
// A request carries Type+Payload; a response carries the same ID with
// Status+Data or Error set.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  string          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Envelope types.
const (
	TypeExec        = "exec"         // controller -> agent: run a command
	TypeExecResult  = "exec_result"  // agent -> controller: command finished
	TypeCreate      = "create"       // agent -> controller: checkpoint create
	TypeFinalize    = "finalize"     // agent -> controller: runner-initiated completion hook (C9)
	TypeFinalizeAck = "finalize_ack" // controller -> agent: hook accepted/rejected
	TypeStatus      = "status"       // agent -> controller: checkpoint status lookup
	TypePing        = "ping"         // either direction: liveness
	TypeReadyProbe  = "ready_probe"  // controller -> agent: lightweight liveness check
)

// Status values carried in a response envelope.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ExecPayload is the Payload of a TypeExec request.
type ExecPayload struct {
	Command string `json:"command"`
}

// ExecResult is the Data of a TypeExecResult response.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// FinalizePayload is the Payload of a TypeFinalize request (§4.6): the
// runner host telling the controller its job is done, without waiting on
// the CI poller or a webhook.
type FinalizePayload struct {
	CheckpointName string `json:"checkpoint_name"`
	Status         string `json:"status"`
}

// CreatePayload is the Payload of a TypeCreate request.
type CreatePayload struct {
	JobID string `json:"job_id"`
}

// StatusPayload is the Payload of a TypeStatus request.
type StatusPayload struct {
	CheckpointName string `json:"checkpoint_name"`
}
