package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kadeksuryam/e2epool/internal/agentchannel"
)

// IPCRequest is one length-prefixed JSON message a local CI script sends
// over the Unix-domain socket (§4.6's local IPC surface).
type IPCRequest struct {
	Verb           string `json:"verb"` // create | finalize | status
	JobID          string `json:"job_id,omitempty"`
	CheckpointName string `json:"checkpoint_name,omitempty"`
	Status         string `json:"status,omitempty"`
}

// IPCResponse mirrors the channel envelope's outcome back to the local
// caller, plus the exit code contract of §4.6: 0 ok, 1 remote error,
// 2 agent not reachable.
type IPCResponse struct {
	ExitCode int             `json:"exit_code"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IPCServer listens on a Unix-domain socket and answers length-prefixed
// JSON requests by forwarding them over the agent's WS Client.
type IPCServer struct {
	client     *Client
	socketPath string
	log        *slog.Logger
}

// NewIPCServer builds an IPCServer bound to socketPath.
func NewIPCServer(client *Client, socketPath string, log *slog.Logger) *IPCServer {
	return &IPCServer{client: client, socketPath: socketPath, log: log}
}

// Run removes any stale socket file, listens, and serves connections
// until ctx is canceled.
func (s *IPCServer) Run(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("ipc accept failed", "err", err)
			continue
		}
		go s.serve(ctx, conn)
	}
}

func (s *IPCServer) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(conn)
	if err != nil {
		s.log.Warn("ipc read failed", "err", err)
		return
	}

	var ipcReq IPCRequest
	if err := json.Unmarshal(req, &ipcReq); err != nil {
		writeFrame(conn, IPCResponse{ExitCode: 1, Error: "malformed request"})
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp := s.dispatch(reqCtx, ipcReq)
	writeFrame(conn, resp)
}

func (s *IPCServer) dispatch(ctx context.Context, req IPCRequest) IPCResponse {
	if !s.client.Connected() {
		return IPCResponse{ExitCode: 2, Error: "agent channel not connected"}
	}

	var (
		env agentchannel.Envelope
		err error
	)
	switch req.Verb {
	case "create":
		env, err = s.client.Request(ctx, agentchannel.TypeCreate, agentchannel.CreatePayload{JobID: req.JobID})
	case "finalize":
		env, err = s.client.Request(ctx, agentchannel.TypeFinalize, agentchannel.FinalizePayload{
			CheckpointName: req.CheckpointName, Status: req.Status,
		})
	case "status":
		env, err = s.client.Request(ctx, agentchannel.TypeStatus, agentchannel.StatusPayload{CheckpointName: req.CheckpointName})
	default:
		return IPCResponse{ExitCode: 1, Error: fmt.Sprintf("unknown verb %q", req.Verb)}
	}
	if err != nil {
		return IPCResponse{ExitCode: 2, Error: err.Error()}
	}
	if env.Status == agentchannel.StatusError {
		return IPCResponse{ExitCode: 1, Error: env.Error}
	}
	return IPCResponse{ExitCode: 0, Data: env.Data}
}

// readFrame reads one 4-byte-length-prefixed JSON message.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > 16<<20 {
		return nil, errors.New("invalid frame length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes v as a 4-byte-length-prefixed JSON message.
func writeFrame(w io.Writer, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return
	}
	_, _ = w.Write(body)
}
