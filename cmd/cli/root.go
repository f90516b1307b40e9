package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"runengine/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "rectl",
	Short: "Run Engine - a durable task run orchestrator",
	Long: `Run Engine drives task runs through their lifecycle: triggering, queueing,
executor handoff, waitpoint synchronization, checkpoints and retries.

At a minimum, you need to start the server, at least 1 worker and the scheduler.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
