// Package agent implements the runner-host half of the agent channel
// (C6's client side): a persistent outbound WebSocket connection to the
// controller cluster with exponential-backoff reconnection, heartbeat
// liveness, RPC-style request/response multiplexing by correlation id,
// and a local Unix-domain-socket IPC server the three CLI verbs
// (create/finalize/status) speak to.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kadeksuryam/e2epool/internal/agentchannel"
)

// Config configures the client's connection and backoff parameters.
type Config struct {
	ControllerURL string // e.g. wss://controller.example.com/ws/agent
	RunnerID      string
	Token         string

	HeartbeatTimeout time.Duration // §4.6: default 90s
	BackoffMin       time.Duration // default 1s
	BackoffMax       time.Duration // default 60s

	ExecTimeout time.Duration // bound on a single controller-initiated exec
}

// Client is the agent's WS client. A single Client serves one runner host;
// the agent process is single-threaded cooperative per §5 ("one event
// loop per agent process suffices") aside from the one goroutine started
// per controller-initiated exec. Heartbeat liveness is a read deadline
// that the ping handler pushes forward on each server ping.
type Client struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool

	pendingMu sync.Mutex
	pending   map[string]chan agentchannel.Envelope
}

// New builds a Client. Defaults fill in any zero-valued timeout per §4.6
// and §6.3.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]chan agentchannel.Envelope),
	}
}

// Run connects and reconnects with exponential, jittered backoff (capped
// at BackoffMax) until ctx is canceled (§4.6: "reconnects with exponential
// backoff starting at 1 second, jittered, capped at 60 seconds").
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("agent channel disconnected, reconnecting", "err", err, "backoff", backoff)
		}

		jittered := time.Duration(float64(backoff) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ControllerURL)
	if err != nil {
		return fmt.Errorf("parse controller url: %w", err)
	}
	q := u.Query()
	q.Set("runner_id", c.cfg.RunnerID)
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	ws.SetPingHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		return ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})

	c.log.Info("agent channel connected", "controller", c.cfg.ControllerURL)
	for {
		var env agentchannel.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

// dispatch handles an inbound envelope: either a response to a pending
// runner-initiated request, or a controller-initiated RPC (exec,
// ready_probe, ping) that this method answers directly.
func (c *Client) dispatch(ctx context.Context, env agentchannel.Envelope) {
	switch env.Type {
	case agentchannel.TypeExec:
		go c.handleExec(env)
	case "ready_probe":
		c.reply(env.ID, agentchannel.Envelope{ID: env.ID, Type: "ready_probe", Status: agentchannel.StatusOK})
	case "ping":
		c.reply(env.ID, agentchannel.Envelope{ID: env.ID, Type: "ping", Status: agentchannel.StatusOK})
	default:
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) handleExec(env agentchannel.Envelope) {
	var payload agentchannel.ExecPayload
	resp := agentchannel.Envelope{ID: env.ID, Type: agentchannel.TypeExecResult}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		resp.Status = agentchannel.StatusError
		resp.Error = "malformed exec payload"
		c.reply(env.ID, resp)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExecTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", payload.Command)
	out, runErr := cmd.CombinedOutput()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			resp.Status = agentchannel.StatusError
			resp.Error = runErr.Error()
			c.reply(env.ID, resp)
			return
		}
	}

	data, _ := json.Marshal(agentchannel.ExecResult{ExitCode: exitCode, Output: string(out)})
	resp.Status = agentchannel.StatusOK
	resp.Data = data
	c.reply(env.ID, resp)
}

func (c *Client) reply(id string, env agentchannel.Envelope) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	if err := ws.WriteJSON(env); err != nil {
		c.log.Warn("agent channel write failed", "err", err)
	}
}

// Request sends a runner-initiated request (create/finalize/status) and
// blocks for its response, used by the IPC server to fulfill the three
// agent-side verbs of §4.6's local IPC surface.
func (c *Client) Request(ctx context.Context, reqType string, payload any) (agentchannel.Envelope, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return agentchannel.Envelope{}, fmt.Errorf("agent channel not connected")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return agentchannel.Envelope{}, err
	}
	id := uuid.New().String()
	ch := make(chan agentchannel.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	writeErr := ws.WriteJSON(agentchannel.Envelope{ID: id, Type: reqType, Payload: body})
	c.mu.Unlock()
	if writeErr != nil {
		return agentchannel.Envelope{}, writeErr
	}

	select {
	case <-ctx.Done():
		return agentchannel.Envelope{}, ctx.Err()
	case env := <-ch:
		return env, nil
	}
}

// Connected reports whether the WS connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close marks the client as closing and closes the WS with a normal close
// frame. It does not stop the IPC server or wait for in-flight requests;
// the IPC server stops when its own context is canceled.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
	}
}
