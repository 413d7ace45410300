package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kadeksuryam/e2epool/internal/agent"
)

var statusCheckpointName string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "look up a checkpoint's current state",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusCheckpointName, "checkpoint-name", "", "checkpoint name returned by create")
	statusCmd.MarkFlagRequired("checkpoint-name")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := callAgent(agent.IPCRequest{Verb: "status", CheckpointName: statusCheckpointName})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if resp.Error != "" {
		fmt.Fprintln(os.Stderr, resp.Error)
	} else {
		fmt.Println(string(resp.Data))
	}
	os.Exit(resp.ExitCode)
	return nil
}
