package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "fbrelay",
		Short: "Event relay for the Messenger chat bot",
		Long: `fbrelay connects the chat bot and the login service through the
fbchat.events exchange. Each subcommand runs one side of the relay.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default ./fbrelay.yaml or /etc/fbrelay/fbrelay.yaml)")

	rootCmd.AddCommand(
		newReloginCommand(&configPath),
		newWatchCookiesCommand(&configPath),
		newReportDisconnectCommand(&configPath),
		newDispatchCommand(&configPath),
		newQueuesCommand(&configPath),
		newReplayCommand(&configPath),
	)
	return rootCmd
}
