package detector

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kadeksuryam/e2epool/internal/checkpoint"
	"github.com/kadeksuryam/e2epool/internal/ciadapter"
	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/store"
)

// WebhookHandlers serves §4.9(c)'s optional inbound POST /webhooks/{provider}
// endpoints. Provider payloads identify a runner, not an e2epool checkpoint
// name, so each handler resolves the runner's current active checkpoint
// (the single-active invariant guarantees at most one) before calling
// queue_finalize.
type WebhookHandlers struct {
	finalizer           Finalizer
	checkpoints         *store.CheckpointRepo
	runners             *store.RunnerRepo
	gitlabSecret        string
	githubWebhookSecret string
	log                 *slog.Logger
}

// NewWebhookHandlers builds a WebhookHandlers.
func NewWebhookHandlers(st *store.Store, finalizer Finalizer, gitlabSecret, githubWebhookSecret string, log *slog.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		finalizer:           finalizer,
		checkpoints:         store.NewCheckpointRepo(st),
		runners:             store.NewRunnerRepo(st),
		gitlabSecret:        gitlabSecret,
		githubWebhookSecret: githubWebhookSecret,
		log:                 log,
	}
}

type gitlabJobEvent struct {
	BuildID     string `json:"build_id"`
	BuildStatus string `json:"build_status"`
	RunnerID    string `json:"runner_id"`
}

// GitLab serves POST /webhooks/gitlab, verified by shared-secret header.
func (h *WebhookHandlers) GitLab(w http.ResponseWriter, r *http.Request) {
	if err := ciadapter.VerifyGitLabWebhook(r, h.gitlabSecret); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var event gitlabJobEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	status, ok := mapGitLabJobStatus(event.BuildStatus)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.finalizeByCIRunnerID(r, event.RunnerID, status)
	w.WriteHeader(http.StatusOK)
}

func mapGitLabJobStatus(status string) (models.FinalizeStatus, bool) {
	switch status {
	case "success":
		return models.FinalizeSuccess, true
	case "failed":
		return models.FinalizeFailure, true
	case "canceled":
		return models.FinalizeCanceled, true
	default:
		return "", false
	}
}

type githubWorkflowJobEvent struct {
	Action string `json:"action"`
	Job    struct {
		ID          int64   `json:"id"`
		Status      string  `json:"status"`
		Conclusion  *string `json:"conclusion"`
		RunnerName  string  `json:"runner_name"`
	} `json:"workflow_job"`
}

// GitHub serves POST /webhooks/github, verified by HMAC-SHA256.
func (h *WebhookHandlers) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := ciadapter.VerifyGitHubWebhook(body, r.Header.Get("X-Hub-Signature-256"), h.githubWebhookSecret); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var event githubWorkflowJobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if event.Action != "completed" || event.Job.Status != "completed" || event.Job.Conclusion == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	status, ok := mapGitHubConclusion(*event.Job.Conclusion)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.finalizeByCIRunnerID(r, event.Job.RunnerName, status)
	w.WriteHeader(http.StatusOK)
}

func mapGitHubConclusion(conclusion string) (models.FinalizeStatus, bool) {
	switch conclusion {
	case "success":
		return models.FinalizeSuccess, true
	case "cancelled":
		return models.FinalizeCanceled, true
	case "failure", "timed_out", "action_required", "startup_failure":
		return models.FinalizeFailure, true
	default:
		return "", false
	}
}

// finalizeByCIRunnerID resolves the CI platform's own runner identifier to
// an e2epool runner and its current active checkpoint, then lands
// queue_finalize. Events for an unknown or idle runner are ignored.
func (h *WebhookHandlers) finalizeByCIRunnerID(r *http.Request, ciRunnerID string, status models.FinalizeStatus) {
	if ciRunnerID == "" {
		return
	}
	ctx := r.Context()

	runner, err := h.runners.GetByCIRunnerID(ctx, ciRunnerID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			h.log.Error("webhook: runner lookup failed", "ci_runner_id", ciRunnerID, "err", err)
		}
		return
	}

	cp, err := h.checkpoints.GetActiveForRunnerReadOnly(ctx, runner.RunnerID)
	if err != nil {
		h.log.Error("webhook: active checkpoint lookup failed", "runner_id", runner.RunnerID, "err", err)
		return
	}
	if cp == nil {
		return
	}

	err = h.finalizer.QueueFinalize(ctx, runner.RunnerID, cp.Name, status, models.SourceWebhook)
	if err != nil && !errors.Is(err, checkpoint.ErrAlreadyQueued) && !errors.Is(err, checkpoint.ErrAlreadyFinalized) {
		h.log.Error("webhook: queue_finalize failed", "checkpoint", cp.Name, "err", err)
	}
}
