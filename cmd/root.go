// Package cmd defines the taskstream CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command and attaches subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskstream",
		Short: "Accepts background tasks and streams their progress over websockets.",
		Long: `taskstream accepts units of work over HTTP, runs them on a worker pool
and pushes every status transition to subscribed websocket clients. Clients
receive the current state on connect and every later transition in order.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the TASKSTREAM_ prefix)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
