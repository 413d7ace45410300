// Command e2epool-controller runs the stateless controller replica: the
// HTTP API (§6.1), the finalize worker pool (C8), the completion-detector
// poller (C9b), the garbage collector (C10), and the reconciler (C11).
// Any number of replicas can run against the same database and broker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadeksuryam/e2epool/internal/agentchannel"
	"github.com/kadeksuryam/e2epool/internal/api"
	"github.com/kadeksuryam/e2epool/internal/backend"
	"github.com/kadeksuryam/e2epool/internal/checkpoint"
	"github.com/kadeksuryam/e2epool/internal/ciadapter"
	"github.com/kadeksuryam/e2epool/internal/config"
	"github.com/kadeksuryam/e2epool/internal/detector"
	"github.com/kadeksuryam/e2epool/internal/finalize"
	"github.com/kadeksuryam/e2epool/internal/gc"
	"github.com/kadeksuryam/e2epool/internal/logging"
	"github.com/kadeksuryam/e2epool/internal/metrics"
	"github.com/kadeksuryam/e2epool/internal/models"
	"github.com/kadeksuryam/e2epool/internal/reconciler"
	"github.com/kadeksuryam/e2epool/internal/registry"
	"github.com/kadeksuryam/e2epool/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "e2epool-controller:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New("controller")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		DatabaseURL:  cfg.DatabaseURL,
		PoolSize:     cfg.DBPoolSize,
		PoolOverflow: cfg.DBPoolOverflow,
		ConnRecycle:  cfg.DBPoolRecycle,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()
	broker, err := finalize.NewRedisBroker(ctx, rdb, hostname())
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}

	m := metrics.New()
	locker := store.NewLocker(st)
	runnerRepo := store.NewRunnerRepo(st)
	reg := registry.New(runnerRepo, 5*time.Minute)

	wireCIAdapters(cfg)

	checkpointSvc := checkpoint.New(st, locker, reg, broker, m, cfg.FinalizeCooldown, log)

	agentSrv := agentchannel.NewServer(reg, func(ctx context.Context, runnerID, checkpointName string, status models.FinalizeStatus) error {
		return checkpointSvc.QueueFinalize(ctx, runnerID, checkpointName, status, models.SourceHook)
	}, checkpointSvc, m, log, cfg.WSHeartbeatInterval, cfg.WSHeartbeatTimeout)

	clusterExec := agentchannel.NewClusterExecutor(agentSrv, nil, cfg.HTTPClientTimeout)
	backend.Register("bare_metal", backend.NewBareMetal(clusterExec))
	backend.Register("proxmox", backend.NewProxmox(&http.Client{Timeout: cfg.HTTPClientTimeout}, clusterExec))

	pipeline := finalize.NewPipeline(st, locker, reg, m, cfg.ReadinessTimeout, log)
	worker := finalize.NewWorker(broker, pipeline, cfg.FinalizeSoftTimeLimit, cfg.FinalizeHardTimeLimit, log)
	go worker.Run(ctx)

	gcCollector := gc.New(st, pipeline, m, log, cfg.GCInterval, cfg.CheckpointTTL)
	go gcCollector.Run(ctx)

	recon := reconciler.New(st, broker, m, log, cfg.ReconcileInterval)
	go recon.Run(ctx)

	if cfg.PollerEnabled {
		poller := detector.NewPoller(st, reg, checkpointSvc, log, cfg.PollerInterval, cfg.PollerMinAge,
			cfg.QueryBatchSize, cfg.PollerSoftTimeLimit, cfg.PollerHardTimeLimit)
		go poller.Run(ctx)
	}

	webhooks := detector.NewWebhookHandlers(st, checkpointSvc, cfg.GitLabWebhookSecret, cfg.GitHubWebhookSecret, log)

	srv := api.New(checkpointSvc, runnerRepo, reg, agentSrv, clusterExec, webhooks, st, cfg.AdminToken, log)

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the WS upgrade and long-poll reads manage their own deadlines
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("controller listening", "addr", cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func wireCIAdapters(cfg config.Config) {
	ciadapter.Register(ciadapter.NewGitLab(cfg.HTTPClientTimeout))

	if cfg.GitHubAppID != 0 && cfg.GitHubAppInstallationID != 0 && cfg.GitHubAppPrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.GitHubAppPrivateKeyPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "e2epool-controller: read github app private key:", err)
			ciadapter.Register(ciadapter.NewGitHub())
			return
		}
		gh, err := ciadapter.NewGitHubApp(cfg.GitHubAppID, cfg.GitHubAppInstallationID, key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "e2epool-controller: build github app adapter:", err)
			ciadapter.Register(ciadapter.NewGitHub())
			return
		}
		ciadapter.Register(gh)
		return
	}
	ciadapter.Register(ciadapter.NewGitHub())
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "e2epool-controller"
	}
	return strings.TrimSpace(h)
}
