// Package config loads controller configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable named in spec.md §6.3.
type Config struct {
	Addr string

	DatabaseURL string
	RedisURL    string
	AdminToken  string

	CheckpointTTL           time.Duration
	GCInterval              time.Duration
	ReconcileInterval       time.Duration
	PollerInterval          time.Duration
	PollerMinAge            time.Duration
	PollerEnabled           bool
	FinalizeCooldown        time.Duration
	ReadinessTimeout        time.Duration
	ReadinessPollInterval   time.Duration
	FinalizeSoftTimeLimit   time.Duration
	FinalizeHardTimeLimit   time.Duration
	PollerSoftTimeLimit     time.Duration
	PollerHardTimeLimit     time.Duration
	WSHeartbeatInterval     time.Duration
	WSHeartbeatTimeout      time.Duration
	HTTPClientTimeout       time.Duration
	QueryBatchSize          int

	DBPoolSize     int32
	DBPoolOverflow int32
	DBPoolRecycle  time.Duration

	CIProvider         string
	CIURL              string
	CIToken            string
	GitLabWebhookSecret string
	GitHubWebhookSecret string

	// GitHub App installation auth, for deployments managing org-scoped
	// self-hosted runner hosts under a GitHub App rather than per-runner
	// PATs. All three must be set together or the controller falls back
	// to plain-token github adapter auth.
	GitHubAppID             int64
	GitHubAppInstallationID int64
	GitHubAppPrivateKeyPath string
}

// Load reads Config from the environment, applying the defaults in spec.md
// §6.3 and failing closed on the required fields.
func Load() (Config, error) {
	cfg := Config{
		Addr:        env("E2EPOOL_ADDR", ":8080"),
		DatabaseURL: env("E2EPOOL_DATABASE_URL", ""),
		RedisURL:    env("E2EPOOL_BROKER_URL", ""),
		AdminToken:  env("E2EPOOL_ADMIN_TOKEN", ""),

		CheckpointTTL:         envSeconds("E2EPOOL_CHECKPOINT_TTL_SECONDS", 1800),
		GCInterval:            envSeconds("E2EPOOL_GC_INTERVAL_SECONDS", 60),
		ReconcileInterval:     envSeconds("E2EPOOL_RECONCILE_INTERVAL_SECONDS", 120),
		PollerInterval:        envSeconds("E2EPOOL_POLLER_INTERVAL_SECONDS", 20),
		PollerMinAge:          envSeconds("E2EPOOL_POLLER_MIN_AGE_SECONDS", 120),
		PollerEnabled:         envBool("E2EPOOL_POLLER_ENABLED", true),
		FinalizeCooldown:      envSeconds("E2EPOOL_FINALIZE_COOLDOWN_SECONDS", 5),
		ReadinessTimeout:      envSeconds("E2EPOOL_READINESS_TIMEOUT_SECONDS", 120),
		ReadinessPollInterval: envSeconds("E2EPOOL_READINESS_POLL_INTERVAL_SECONDS", 5),
		FinalizeSoftTimeLimit: envSeconds("E2EPOOL_TASK_SOFT_TIME_LIMIT_SECONDS", 300),
		FinalizeHardTimeLimit: envSeconds("E2EPOOL_TASK_HARD_TIME_LIMIT_SECONDS", 330),
		PollerSoftTimeLimit:   envSeconds("E2EPOOL_POLLER_SOFT_TIME_LIMIT_SECONDS", 120),
		PollerHardTimeLimit:   envSeconds("E2EPOOL_POLLER_HARD_TIME_LIMIT_SECONDS", 150),
		WSHeartbeatInterval:   envSeconds("E2EPOOL_WS_HEARTBEAT_INTERVAL_SECONDS", 30),
		WSHeartbeatTimeout:    envSeconds("E2EPOOL_WS_HEARTBEAT_TIMEOUT_SECONDS", 90),
		HTTPClientTimeout:     envSeconds("E2EPOOL_HTTP_CLIENT_TIMEOUT_SECONDS", 30),
		QueryBatchSize:        envInt("E2EPOOL_QUERY_BATCH_SIZE", 200),

		DBPoolSize:     int32(envInt("E2EPOOL_DB_POOL_SIZE", 10)),
		DBPoolOverflow: int32(envInt("E2EPOOL_DB_POOL_OVERFLOW", 5)),
		DBPoolRecycle:  envSeconds("E2EPOOL_DB_POOL_RECYCLE_SECONDS", 1800),

		CIProvider:          env("E2EPOOL_CI_PROVIDER", "gitlab"),
		CIURL:               env("E2EPOOL_CI_URL", ""),
		CIToken:             env("E2EPOOL_CI_TOKEN", ""),
		GitLabWebhookSecret: env("E2EPOOL_GITLAB_WEBHOOK_SECRET", ""),
		GitHubWebhookSecret: env("E2EPOOL_GITHUB_WEBHOOK_SECRET", ""),

		GitHubAppID:             int64(envInt("E2EPOOL_GITHUB_APP_ID", 0)),
		GitHubAppInstallationID: int64(envInt("E2EPOOL_GITHUB_APP_INSTALLATION_ID", 0)),
		GitHubAppPrivateKeyPath: env("E2EPOOL_GITHUB_APP_PRIVATE_KEY_PATH", ""),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("missing E2EPOOL_DATABASE_URL")
	}
	if cfg.RedisURL == "" {
		return Config{}, errors.New("missing E2EPOOL_BROKER_URL")
	}
	if cfg.AdminToken == "" {
		return Config{}, errors.New("missing E2EPOOL_ADMIN_TOKEN")
	}

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
