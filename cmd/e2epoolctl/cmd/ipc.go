package cmd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kadeksuryam/e2epool/internal/agent"
)

// callAgent dials the local socket, sends one IPCRequest, and returns the
// decoded IPCResponse. The wire format is the same 4-byte-length-prefixed
// JSON framing internal/agent.IPCServer speaks.
func callAgent(req agent.IPCRequest) (agent.IPCResponse, error) {
	conn, err := net.DialTimeout("unix", flagSocketPath, 5*time.Second)
	if err != nil {
		return agent.IPCResponse{}, fmt.Errorf("connect to agent socket %s: %w", flagSocketPath, err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return agent.IPCResponse{}, err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := conn.Write(length[:]); err != nil {
		return agent.IPCResponse{}, err
	}
	if _, err := conn.Write(body); err != nil {
		return agent.IPCResponse{}, err
	}

	var respLen uint32
	if err := binary.Read(conn, binary.BigEndian, &respLen); err != nil {
		return agent.IPCResponse{}, fmt.Errorf("read response length: %w", err)
	}
	if respLen == 0 || respLen > 16<<20 {
		return agent.IPCResponse{}, errors.New("invalid response frame length")
	}
	buf := make([]byte, respLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return agent.IPCResponse{}, fmt.Errorf("read response body: %w", err)
	}

	var resp agent.IPCResponse
	if err := json.Unmarshal(buf, &resp); err != nil {
		return agent.IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
