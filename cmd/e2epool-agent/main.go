// Command e2epool-agent runs the runner-host daemon: a persistent outbound
// WebSocket connection to the controller cluster (internal/agent.Client)
// and a local Unix-domain-socket IPC server the e2epoolctl CLI speaks to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kadeksuryam/e2epool/internal/agent"
	"github.com/kadeksuryam/e2epool/internal/logging"
)

var (
	flagControllerURL string
	flagRunnerID       string
	flagToken          string
	flagSocketPath     string
)

func main() {
	root := &cobra.Command{
		Use:   "e2epool-agent",
		Short: "runner-host daemon for the e2epool agent channel",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVar(&flagControllerURL, "controller-url", os.Getenv("E2EPOOL_AGENT_CONTROLLER_URL"), "controller WebSocket URL, e.g. wss://controller:8080/ws/agent")
	root.PersistentFlags().StringVar(&flagRunnerID, "runner-id", os.Getenv("E2EPOOL_AGENT_RUNNER_ID"), "this runner's id")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("E2EPOOL_AGENT_TOKEN"), "this runner's bearer token")
	root.PersistentFlags().StringVar(&flagSocketPath, "socket", envOr("E2EPOOL_AGENT_SOCKET", "/var/run/e2epool-agent.sock"), "Unix-domain socket the CLI verbs connect to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "e2epool-agent:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagControllerURL == "" || flagRunnerID == "" || flagToken == "" {
		return fmt.Errorf("--controller-url, --runner-id and --token are all required")
	}

	log := logging.New("agent")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.New(agent.Config{
		ControllerURL: flagControllerURL,
		RunnerID:      flagRunnerID,
		Token:         flagToken,
	}, log)

	ipcSrv := agent.NewIPCServer(client, flagSocketPath, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ipcSrv.Run(ctx)
	}()
	go client.Run(ctx)

	log.Info("agent started", "controller_url", flagControllerURL, "runner_id", flagRunnerID, "socket", flagSocketPath)

	select {
	case <-ctx.Done():
		client.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
