package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeksuryam/e2epool/internal/agentchannel"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteFrameThenReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, IPCResponse{ExitCode: 0, Data: json.RawMessage(`{"ok":true}`)})

	got, err := readFrame(&buf)
	require.NoError(t, err)

	var resp IPCResponse
	require.NoError(t, json.Unmarshal(got, &resp))
	assert.Equal(t, 0, resp.ExitCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0)))
	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(17<<20)))
	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameShortPrefixErrors(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0x00, 0x01}))
	assert.Error(t, err)
}

func TestDispatchNotConnectedReturnsAgentUnreachable(t *testing.T) {
	client := New(Config{}, testLog())
	s := NewIPCServer(client, "", testLog())

	resp := s.dispatch(context.Background(), IPCRequest{Verb: "status"})
	assert.Equal(t, 2, resp.ExitCode)
	assert.NotEmpty(t, resp.Error)
}

// connectedClientPair dials a real in-process websocket pair and wires the
// client side into a Client the way runOnce would, minus the reconnect
// loop, so dispatch's Connected()/Request() path can be exercised without
// a live controller.
func connectedClientPair(t *testing.T) (client *Client, serverWS *websocket.Conn, cleanup func()) {
	t.Helper()
	var upgrader websocket.Upgrader
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	serverWS = <-connCh

	client = New(Config{}, testLog())
	client.ws = clientWS

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			var env agentchannel.Envelope
			if err := clientWS.ReadJSON(&env); err != nil {
				return
			}
			client.dispatch(ctx, env)
		}
	}()

	cleanup = func() {
		cancel()
		clientWS.Close()
		serverWS.Close()
		srv.Close()
	}
	return client, serverWS, cleanup
}

func TestDispatchUnknownVerbReturnsExitCode1(t *testing.T) {
	client, _, cleanup := connectedClientPair(t)
	defer cleanup()

	s := NewIPCServer(client, "", testLog())
	resp := s.dispatch(context.Background(), IPCRequest{Verb: "bogus"})
	assert.Equal(t, 1, resp.ExitCode)
	assert.Contains(t, resp.Error, "unknown verb")
}

func TestDispatchStatusRoundTripSuccess(t *testing.T) {
	client, serverWS, cleanup := connectedClientPair(t)
	defer cleanup()

	go func() {
		var env agentchannel.Envelope
		if err := serverWS.ReadJSON(&env); err != nil {
			return
		}
		cp, _ := json.Marshal(map[string]string{"name": "job-a-1-deadbeef"})
		_ = serverWS.WriteJSON(agentchannel.Envelope{ID: env.ID, Type: agentchannel.TypeStatus, Status: agentchannel.StatusOK, Data: cp})
	}()

	s := NewIPCServer(client, "", testLog())
	resp := s.dispatch(context.Background(), IPCRequest{Verb: "status", CheckpointName: "job-a-1-deadbeef"})
	assert.Equal(t, 0, resp.ExitCode)
	assert.Contains(t, string(resp.Data), "job-a-1-deadbeef")
}

func TestDispatchCreateRoundTripSurfacesRemoteError(t *testing.T) {
	client, serverWS, cleanup := connectedClientPair(t)
	defer cleanup()

	go func() {
		var env agentchannel.Envelope
		if err := serverWS.ReadJSON(&env); err != nil {
			return
		}
		_ = serverWS.WriteJSON(agentchannel.Envelope{ID: env.ID, Type: agentchannel.TypeCreate, Status: agentchannel.StatusError, Error: "runner busy"})
	}()

	s := NewIPCServer(client, "", testLog())
	resp := s.dispatch(context.Background(), IPCRequest{Verb: "create", JobID: "a-1"})
	assert.Equal(t, 1, resp.ExitCode)
	assert.Equal(t, "runner busy", resp.Error)
}

func TestDispatchFinalizeRoundTripTimesOutWhenAgentNeverReplies(t *testing.T) {
	client, _, cleanup := connectedClientPair(t)
	defer cleanup()

	s := NewIPCServer(client, "", testLog())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := s.dispatch(ctx, IPCRequest{Verb: "finalize", CheckpointName: "job-a-1-deadbeef", Status: "success"})
	assert.Equal(t, 2, resp.ExitCode)
	assert.NotEmpty(t, resp.Error)
}
