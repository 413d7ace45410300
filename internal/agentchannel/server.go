package agentchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/models"
)

// RunnerAuth is the subset of the registry (C3) the channel needs.
type RunnerAuth interface {
	LookupByToken(ctx context.Context, token string) (*models.Runner, error)
}

// FinalizeHook is invoked when a runner reports completion over the
// channel itself (the fastest of the three completion-detector paths,
// C9's "hook"). It mirrors internal/checkpoint's QueueFinalize signature
// minus the source argument, which the caller's closure supplies.
type FinalizeHook func(ctx context.Context, runnerID, checkpointName string, status models.FinalizeStatus) error

// CheckpointService is the subset of internal/checkpoint.Service the
// channel's `create` and `status` request types (§4.6) dispatch into,
// mirrored here as an interface so this package does not import
// internal/checkpoint and its tests can substitute a fake.
type CheckpointService interface {
	Create(ctx context.Context, runnerID, jobID, callerToken string) (*models.Checkpoint, error)
	GetStatus(ctx context.Context, checkpointName, callerToken string) (*models.Checkpoint, error)
}

// Server holds one WebSocket connection per runner for this replica (§4.6:
// "a per-replica connection map keyed by runner id; if a prior connection
// for the same runner exists, the older is closed").
type Server struct {
	auth     RunnerAuth
	hook     FinalizeHook
	checkpts CheckpointService
	metrics  *metrics.Metrics
	log      *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	upgrader          websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	runnerID string
	token    string

	pendingMu sync.Mutex
	pending   map[string]chan Envelope
}

// NewServer builds a Server. heartbeatInterval/heartbeatTimeout default to
// 30s/90s per §4.6.
func NewServer(auth RunnerAuth, hook FinalizeHook, checkpts CheckpointService, m *metrics.Metrics, log *slog.Logger, heartbeatInterval, heartbeatTimeout time.Duration) *Server {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	return &Server{
		auth:              auth,
		hook:              hook,
		checkpts:          checkpts,
		metrics:           m,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// wsCloseAuthFailed is the application-defined close status the reference
// implementation uses for a failed runner_id/token pair (§4.6).
const wsCloseAuthFailed = 4401

// HandleWS upgrades the request and runs the connection until it closes.
// Authentication is by runner_id + token connection parameters (§4.6).
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	runnerID := r.URL.Query().Get("runner_id")
	token := r.URL.Query().Get("token")
	if runnerID == "" || token == "" {
		http.Error(w, "missing runner_id/token", http.StatusBadRequest)
		return
	}

	runner, err := s.auth.LookupByToken(r.Context(), token)
	if err != nil || runner == nil || runner.RunnerID != runnerID {
		ws, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(wsCloseAuthFailed, "auth failed"),
				time.Now().Add(time.Second))
			ws.Close()
		}
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "runner_id", runnerID, "err", err)
		return
	}

	c := &conn{ws: ws, runnerID: runnerID, token: token, pending: make(map[string]chan Envelope)}
	s.register(c)
	defer s.unregister(c)

	s.log.Info("agent connected", "runner_id", runnerID)
	s.serve(c)
	s.log.Info("agent disconnected", "runner_id", runnerID)
}

// register installs c as the connection of record for its runner,
// closing any prior connection for that runner first.
func (s *Server) register(c *conn) {
	s.mu.Lock()
	old, hadOld := s.conns[c.runnerID]
	if hadOld {
		old.ws.Close()
	}
	s.conns[c.runnerID] = c
	s.mu.Unlock()
	if !hadOld {
		s.metrics.AgentConnections.Inc()
	}
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	removed := s.conns[c.runnerID] == c
	if removed {
		delete(s.conns, c.runnerID)
	}
	s.mu.Unlock()
	c.ws.Close()
	if removed {
		s.metrics.AgentConnections.Dec()
	}
}

// serve runs the read loop and heartbeat ping for one connection until it
// errors out or the server shuts down.
func (s *Server) serve(c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(c, stop)

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		s.dispatch(c, env)
	}
}

func (s *Server) heartbeat(c *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *conn, env Envelope) {
	switch env.Type {
	case TypeExecResult:
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	case TypeFinalize:
		s.handleFinalizeHook(c, env)
	case TypeCreate:
		s.handleCreate(c, env)
	case TypeStatus:
		s.handleStatus(c, env)
	case TypePing:
		s.send(c, Envelope{ID: env.ID, Type: TypePing, Status: StatusOK})
	default:
		s.log.Warn("unhandled envelope type", "type", env.Type, "runner_id", c.runnerID)
	}
}

// handleCreate answers the agent's `create` request (§4.6) by calling
// straight into the checkpoint service, exactly like the HTTP
// /checkpoint/create endpoint.
func (s *Server) handleCreate(c *conn, env Envelope) {
	var payload CreatePayload
	resp := Envelope{ID: env.ID}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		resp.Status = StatusError
		resp.Error = "malformed payload"
		s.send(c, resp)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cp, err := s.checkpts.Create(ctx, c.runnerID, payload.JobID, c.token)
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		s.send(c, resp)
		return
	}
	data, err := json.Marshal(cp)
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		s.send(c, resp)
		return
	}
	resp.Status = StatusOK
	resp.Data = data
	s.send(c, resp)
}

// handleStatus answers the agent's `status` request (§4.6).
func (s *Server) handleStatus(c *conn, env Envelope) {
	var payload StatusPayload
	resp := Envelope{ID: env.ID}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		resp.Status = StatusError
		resp.Error = "malformed payload"
		s.send(c, resp)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cp, err := s.checkpts.GetStatus(ctx, payload.CheckpointName, c.token)
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		s.send(c, resp)
		return
	}
	data, err := json.Marshal(cp)
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		s.send(c, resp)
		return
	}
	resp.Status = StatusOK
	resp.Data = data
	s.send(c, resp)
}

func (s *Server) handleFinalizeHook(c *conn, env Envelope) {
	var payload FinalizePayload
	resp := Envelope{ID: env.ID, Type: TypeFinalizeAck}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		resp.Status = StatusError
		resp.Error = "malformed payload"
		s.send(c, resp)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.hook(ctx, c.runnerID, payload.CheckpointName, models.FinalizeStatus(payload.Status)); err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
	} else {
		resp.Status = StatusOK
	}
	s.send(c, resp)
}

func (s *Server) send(c *conn, env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(env); err != nil {
		s.log.Warn("agent channel write failed", "runner_id", c.runnerID, "err", err)
	}
}

// Connected reports whether this replica currently holds a live
// connection for runnerID.
func (s *Server) Connected(runnerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[runnerID]
	return ok
}

// Exec runs command on the runner host over the channel and waits for its
// result. Returns an error if this replica does not hold the runner's
// connection — callers needing cross-replica dispatch should use
// ClusterExecutor instead.
func (s *Server) Exec(ctx context.Context, runnerID, command string) (int, string, error) {
	s.mu.RLock()
	c, ok := s.conns[runnerID]
	s.mu.RUnlock()
	if !ok {
		return 0, "", fmt.Errorf("%w: no local connection for runner %s", models.ErrBackend, runnerID)
	}

	id := uuid.New().String()
	payload, err := json.Marshal(ExecPayload{Command: command})
	if err != nil {
		return 0, "", err
	}

	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	s.send(c, Envelope{ID: id, Type: TypeExec, Payload: payload})

	select {
	case <-ctx.Done():
		return 0, "", ctx.Err()
	case env := <-ch:
		if env.Status == StatusError {
			return 0, "", fmt.Errorf("%w: %s", models.ErrBackend, env.Error)
		}
		var result ExecResult
		if err := json.Unmarshal(env.Data, &result); err != nil {
			return 0, "", fmt.Errorf("malformed exec result: %w", err)
		}
		return result.ExitCode, result.Output, nil
	}
}
