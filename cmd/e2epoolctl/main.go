// Command e2epoolctl is the CI-job-facing CLI for the three agent-channel
// verbs: create, finalize, and status (§4.6).
package main

import (
	"fmt"
	"os"

	"github.com/kadeksuryam/e2epool/cmd/e2epoolctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "e2epoolctl:", err)
		os.Exit(1)
	}
}
