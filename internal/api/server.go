// Package api wires every HTTP endpoint of spec.md §6.1 onto a chi router:
// the runner-scoped checkpoint API, the admin runner-registry API, the
// inbound CI webhooks, the internal cross-replica agent-dispatch API, and
// the WebSocket agent channel upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/kadeksuryam/e2epool/internal/agentchannel"
	"github.com/kadeksuryam/e2epool/internal/checkpoint"
	"github.com/kadeksuryam/e2epool/internal/detector"
	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/registry"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// Pinger is the subset of store.Store the deep healthcheck needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds every dependency the router dispatches into.
type Server struct {
	checkpoints *checkpoint.Service
	runners     *store.RunnerRepo
	registry    *registry.Registry
	agents      *agentchannel.ClusterExecutor
	agentServer *agentchannel.Server
	webhooks    *detector.WebhookHandlers
	pinger      Pinger
	adminToken  string
	validate    *validator.Validate
	log         *slog.Logger
}

// New builds a Server. agentServer is this replica's own WS hub (for the
// internal exec/connected handlers); agents is the cluster-wide executor
// that /runner/readiness asks whether the caller's runner is connected.
func New(
	checkpoints *checkpoint.Service,
	runners *store.RunnerRepo,
	reg *registry.Registry,
	agentServer *agentchannel.Server,
	agents *agentchannel.ClusterExecutor,
	webhooks *detector.WebhookHandlers,
	pinger Pinger,
	adminToken string,
	log *slog.Logger,
) *Server {
	return &Server{
		checkpoints: checkpoints,
		runners:     runners,
		registry:    reg,
		agents:      agents,
		agentServer: agentServer,
		webhooks:    webhooks,
		pinger:      pinger,
		adminToken:  adminToken,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log,
	}
}

// Router builds the chi mux for every route in §6.1.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/checkpoint", func(r chi.Router) {
		r.Use(s.runnerTokenAuth)
		r.Post("/create", s.handleCreate)
		r.Post("/finalize", s.handleFinalize)
		r.Get("/status/{name}", s.handleStatus)
	})

	r.With(s.runnerTokenAuth).Get("/runner/readiness", s.handleReadiness)

	r.Route("/api/runners", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/", s.handleRunnerCreate)
		r.Get("/", s.handleRunnerList)
		r.Get("/{runner_id}", s.handleRunnerGet)
		r.Delete("/{runner_id}", s.handleRunnerDelete)
	})

	r.Post("/webhooks/gitlab", s.webhooks.GitLab)
	r.Post("/webhooks/github", s.webhooks.GitHub)

	r.Route("/internal/agent/{runner_id}", func(r chi.Router) {
		r.Use(s.internalOrAdminAuth)
		r.Post("/exec", s.handleInternalExec)
		r.Get("/connected", s.handleInternalConnected)
	})

	r.Get("/ws/agent", s.agentServer.HandleWS)

	return r
}

// runnerCtxKey is how the authenticated caller's runner is threaded
// through the request context (§4.3: most endpoints infer runner_id from
// the token rather than accepting it as a parameter).
type ctxKey int

const runnerCtxKey ctxKey = iota

func (s *Server) runnerTokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		runner, err := s.registry.LookupByToken(r.Context(), token)
		if err != nil || runner == nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), runnerCtxKey, runner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) != s.adminToken || s.adminToken == "" {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// internalOrAdminAuth guards the cross-replica dispatch endpoints (§4.6).
// Replicas reuse the admin token as their shared secret rather than
// minting a second credential class for a transport that doesn't exist
// yet.
func (s *Server) internalOrAdminAuth(next http.Handler) http.Handler {
	return s.adminAuth(next)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func callerRunner(r *http.Request) *models.Runner {
	rn, _ := r.Context().Value(runnerCtxKey).(*models.Runner)
	return rn
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	RunnerID string `json:"runner_id" validate:"required"`
	JobID    string `json:"job_id" validate:"required"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cp, err := s.checkpoints.Create(r.Context(), req.RunnerID, req.JobID, bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

type finalizeRequest struct {
	CheckpointName string `json:"checkpoint_name" validate:"required"`
	Status         string `json:"status" validate:"required"`
	Source         string `json:"source"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		req.Source = string(models.SourceAgent)
	}

	runner := callerRunner(r)
	err := s.checkpoints.QueueFinalize(r.Context(), runner.RunnerID, req.CheckpointName,
		models.FinalizeStatus(req.Status), models.FinalizeSource(req.Source))
	switch {
	case errors.Is(err, checkpoint.ErrAlreadyFinalized):
		writeJSON(w, http.StatusAccepted, map[string]string{"detail": "Already finalized", "checkpoint_name": req.CheckpointName})
	case errors.Is(err, checkpoint.ErrAlreadyQueued):
		writeJSON(w, http.StatusAccepted, map[string]string{"detail": "Already queued", "checkpoint_name": req.CheckpointName})
	case err != nil:
		s.writeServiceError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"detail": "queued", "checkpoint_name": req.CheckpointName})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cp, err := s.checkpoints.GetStatus(r.Context(), name, bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	runner := callerRunner(r)
	writeJSON(w, http.StatusOK, map[string]bool{"ready": s.agents.Connected(runner.RunnerID)})
}

type runnerRequest struct {
	RunnerID     string `json:"runner_id" validate:"required"`
	Backend      string `json:"backend" validate:"required,oneof=proxmox bare_metal"`
	CIAdapter    string `json:"ci_adapter" validate:"required"`

	HypervisorHost    string `json:"hypervisor_host"`
	HypervisorTokenID string `json:"hypervisor_token_id"`
	HypervisorSecret  string `json:"hypervisor_secret"`
	HypervisorNode    string `json:"hypervisor_node"`
	HypervisorVMID    string `json:"hypervisor_vmid"`

	ResetCmd     string `json:"reset_cmd"`
	CleanupCmd   string `json:"cleanup_cmd"`
	ReadinessCmd string `json:"readiness_cmd"`

	CIBaseURL  string `json:"ci_base_url"`
	CIToken    string `json:"ci_token"`
	CIRunnerID string `json:"ci_runner_id"`
}

func (s *Server) handleRunnerCreate(w http.ResponseWriter, r *http.Request) {
	var req runnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if models.Backend(req.Backend) == models.BackendProxmox {
		if req.HypervisorHost == "" || req.HypervisorNode == "" || req.HypervisorVMID == "" {
			writeError(w, http.StatusBadRequest, "hypervisor fields are mandatory for backend=proxmox")
			return
		}
	}
	if models.Backend(req.Backend) == models.BackendBareMetal && req.ResetCmd == "" {
		writeError(w, http.StatusBadRequest, "reset_cmd is mandatory for backend=bare_metal")
		return
	}

	token, err := generateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	rn := models.Runner{
		RunnerID: req.RunnerID, Token: token, Backend: models.Backend(req.Backend), CIAdapter: req.CIAdapter,
		HypervisorHost: req.HypervisorHost, HypervisorTokenID: req.HypervisorTokenID, HypervisorSecret: req.HypervisorSecret,
		HypervisorNode: req.HypervisorNode, HypervisorVMID: req.HypervisorVMID,
		ResetCmd: req.ResetCmd, CleanupCmd: req.CleanupCmd, ReadinessCmd: req.ReadinessCmd,
		CIBaseURL: req.CIBaseURL, CIToken: req.CIToken, CIRunnerID: req.CIRunnerID,
		IsActive: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.runners.Upsert(r.Context(), rn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.registry.Invalidate(req.RunnerID)
	writeJSON(w, http.StatusCreated, rn)
}

func (s *Server) handleRunnerList(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	runners, err := s.runners.List(r.Context(), includeInactive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	redacted := make([]models.Runner, len(runners))
	for i, rn := range runners {
		redacted[i] = rn.Redacted()
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) handleRunnerGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runner_id")
	rn, err := s.runners.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rn.Redacted())
}

func (s *Server) handleRunnerDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runner_id")
	if err := s.runners.SoftDelete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.registry.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInternalExec(w http.ResponseWriter, r *http.Request) {
	s.agentServer.InternalExecHandler(w, r, chi.URLParam(r, "runner_id"))
}

func (s *Server) handleInternalConnected(w http.ResponseWriter, r *http.Request) {
	s.agentServer.InternalConnectedHandler(w, r, chi.URLParam(r, "runner_id"))
}

// writeServiceError maps internal/models error kinds (§7) to the HTTP
// status codes listed against each endpoint in §6.1.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrAuth):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrBroker):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrStore):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrBackend):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("unhandled service error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
