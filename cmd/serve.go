package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/contact-harvester/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP control surface",
		Long: `Builds the browser pool and serves the batch control API until SIGINT
or SIGTERM. Running batches are stopped and drained on shutdown; their
checkpoints let the next process resume them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
