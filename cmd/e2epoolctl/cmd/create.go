package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kadeksuryam/e2epool/internal/agent"
)

var createJobID string

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "create a checkpoint for a job",
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createJobID, "job-id", "", "CI job id to checkpoint")
	createCmd.MarkFlagRequired("job-id")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	resp, err := callAgent(agent.IPCRequest{Verb: "create", JobID: createJobID})
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
