package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kadeksuryam/e2epool/internal/agent"
)

var (
	finalizeCheckpointName string
	finalizeStatus         string
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "report job completion for a checkpoint",
	RunE:  runFinalize,
}

func init() {
	finalizeCmd.Flags().StringVar(&finalizeCheckpointName, "checkpoint-name", "", "checkpoint name returned by create")
	finalizeCmd.Flags().StringVar(&finalizeStatus, "status", "", "success | failure | canceled")
	finalizeCmd.MarkFlagRequired("checkpoint-name")
	finalizeCmd.MarkFlagRequired("status")
	rootCmd.AddCommand(finalizeCmd)
}

func runFinalize(cmd *cobra.Command, args []string) error {
	resp, err := callAgent(agent.IPCRequest{
		Verb:           "finalize",
		CheckpointName: finalizeCheckpointName,
		Status:         finalizeStatus,
	})
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
