package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relaybot",
	Short: "Forward posts between Telegram channels on a schedule",
	Long: `relaybot copies posts from source channels to target channels in batches,
keeps a per-job cursor so restarts resume where they stopped, and deletes
forwarded copies again once their retention expires.

Examples:
  relaybot run --config config.yaml   # run the relay
  relaybot jobs list                  # show stored jobs
  relaybot jobs stop <id>             # deactivate a job`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "./config.yaml", "path to the config file (yaml or json)")
	rootCmd.AddCommand(runCmd, jobsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
