package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/taskstream/internal/config"
	"github.com/JakeFAU/taskstream/internal/server"
)

// newServeCmd starts the HTTP API, the worker pool and the live session
// endpoints.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the taskstream server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(cmd.Context(), &cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run app: %w", err)
	}
	return nil
}
