package agentchannel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/models"
)

// metrics.New() registers against the default Prometheus registry, which
// panics on a second registration in the same process — every test in
// this package shares one instance.
var (
	testMetricsOnce sync.Once
	testMetricsVal  *metrics.Metrics
)

func testMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() { testMetricsVal = metrics.New() })
	return testMetricsVal
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuth struct {
	runners map[string]models.Runner
}

func (f *fakeAuth) LookupByToken(ctx context.Context, token string) (*models.Runner, error) {
	for _, rn := range f.runners {
		if rn.Token == token {
			cp := rn
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

type fakeCheckpointSvc struct {
	createResult *models.Checkpoint
	createErr    error
	statusResult *models.Checkpoint
	statusErr    error
}

func (f *fakeCheckpointSvc) Create(ctx context.Context, runnerID, jobID, callerToken string) (*models.Checkpoint, error) {
	return f.createResult, f.createErr
}

func (f *fakeCheckpointSvc) GetStatus(ctx context.Context, checkpointName, callerToken string) (*models.Checkpoint, error) {
	return f.statusResult, f.statusErr
}

func newMux(srv *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	return mux
}

func newTestServerAndDial(t *testing.T, handler http.Handler) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	httpSrv := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?runner_id=r1&token=tok1"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ws.Close()
		httpSrv.Close()
	})
	return ws, httpSrv
}

func newTestServer(auth RunnerAuth, hook FinalizeHook, checkpts CheckpointService) *Server {
	return NewServer(auth, hook, checkpts, testMetrics(), testLogger(), time.Minute, time.Minute)
}

func TestHandleWSRejectsBadAuth(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	srv := newTestServer(auth, nil, nil)

	mux := newMux(srv)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?runner_id=r1&token=wrong"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	// a bad token still completes the websocket upgrade (HandleWS upgrades
	// before writing the auth-failed close frame), so err is nil here and
	// the close code carries the rejection instead.
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, wsCloseAuthFailed), "got %v", err)
}

func TestHandleCreateRoundTrip(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	cp := &models.Checkpoint{Name: "job-b-1-deadbeef", RunnerID: "r1"}
	checkpts := &fakeCheckpointSvc{createResult: cp}
	srv := newTestServer(auth, nil, checkpts)

	ws, _ := newTestServerAndDial(t, newMux(srv))

	payload, _ := json.Marshal(CreatePayload{JobID: "b-1"})
	require.NoError(t, ws.WriteJSON(Envelope{ID: "req-1", Type: TypeCreate, Payload: payload}))

	var resp Envelope
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, StatusOK, resp.Status)

	var gotCP models.Checkpoint
	require.NoError(t, json.Unmarshal(resp.Data, &gotCP))
	assert.Equal(t, "job-b-1-deadbeef", gotCP.Name)
}

func TestHandleCreateErrorIsSurfaced(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	checkpts := &fakeCheckpointSvc{createErr: models.ErrConflict}
	srv := newTestServer(auth, nil, checkpts)

	ws, _ := newTestServerAndDial(t, newMux(srv))

	payload, _ := json.Marshal(CreatePayload{JobID: "b-1"})
	require.NoError(t, ws.WriteJSON(Envelope{ID: "req-1", Type: TypeCreate, Payload: payload}))

	var resp Envelope
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, StatusError, resp.Status)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleStatusRoundTrip(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	cp := &models.Checkpoint{Name: "job-b-1-deadbeef", RunnerID: "r1", State: models.StateCreated}
	checkpts := &fakeCheckpointSvc{statusResult: cp}
	srv := newTestServer(auth, nil, checkpts)

	ws, _ := newTestServerAndDial(t, newMux(srv))

	payload, _ := json.Marshal(StatusPayload{CheckpointName: "job-b-1-deadbeef"})
	require.NoError(t, ws.WriteJSON(Envelope{ID: "req-2", Type: TypeStatus, Payload: payload}))

	var resp Envelope
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, StatusOK, resp.Status)
}

func TestHandleFinalizeHookInvokesHook(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	var gotRunnerID, gotCheckpoint string
	var gotStatus models.FinalizeStatus
	hook := func(ctx context.Context, runnerID, checkpointName string, status models.FinalizeStatus) error {
		gotRunnerID, gotCheckpoint, gotStatus = runnerID, checkpointName, status
		return nil
	}
	srv := newTestServer(auth, hook, &fakeCheckpointSvc{})

	ws, _ := newTestServerAndDial(t, newMux(srv))

	payload, _ := json.Marshal(FinalizePayload{CheckpointName: "job-b-1-deadbeef", Status: "success"})
	require.NoError(t, ws.WriteJSON(Envelope{ID: "req-3", Type: TypeFinalize, Payload: payload}))

	var resp Envelope
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, TypeFinalizeAck, resp.Type)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "r1", gotRunnerID)
	assert.Equal(t, "job-b-1-deadbeef", gotCheckpoint)
	assert.Equal(t, models.FinalizeSuccess, gotStatus)
}

func TestPingIsEchoed(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	srv := newTestServer(auth, nil, &fakeCheckpointSvc{})

	ws, _ := newTestServerAndDial(t, newMux(srv))

	require.NoError(t, ws.WriteJSON(Envelope{ID: "ping-1", Type: TypePing}))
	var resp Envelope
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, TypePing, resp.Type)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestExecRoundTripOverChannel(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	srv := newTestServer(auth, nil, &fakeCheckpointSvc{})

	ws, _ := newTestServerAndDial(t, newMux(srv))

	// Let the server register the connection before Exec is invoked.
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Type != TypeExec {
			return
		}
		result, _ := json.Marshal(ExecResult{ExitCode: 0, Output: "ok"})
		ws.WriteJSON(Envelope{ID: env.ID, Type: TypeExecResult, Status: StatusOK, Data: result})
	}()

	exitCode, output, err := srv.Exec(context.Background(), "r1", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, "ok", output)
	<-done
}

func TestExecWithNoLocalConnectionErrors(t *testing.T) {
	auth := &fakeAuth{}
	srv := newTestServer(auth, nil, &fakeCheckpointSvc{})
	_, _, err := srv.Exec(context.Background(), "ghost", "echo hi")
	assert.Error(t, err)
}

func TestConnectedReflectsRegisteredConnections(t *testing.T) {
	auth := &fakeAuth{runners: map[string]models.Runner{"r1": {RunnerID: "r1", Token: "tok1"}}}
	srv := newTestServer(auth, nil, &fakeCheckpointSvc{})
	assert.False(t, srv.Connected("r1"))

	_, _ = newTestServerAndDial(t, newMux(srv))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, srv.Connected("r1"))
}
