// Package cmd implements the e2epoolctl CLI: the three agent-side verbs
// (create, finalize, status) that a CI job script calls over the local
// Unix-domain-socket IPC surface served by e2epool-agent (§4.6).
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var flagSocketPath string

var rootCmd = &cobra.Command{
	Use:   "e2epoolctl",
	Short: "talk to the local e2epool-agent daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSocketPath, "socket", envOr("E2EPOOL_AGENT_SOCKET", "/var/run/e2epool-agent.sock"), "Unix-domain socket the agent daemon listens on")
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
