package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/config"
	"github.com/JakeFAU/contact-harvester/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType struct{}

var envKey envKeyType

// env is what every subcommand needs before it builds anything.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// Seams replaced in tests.
var (
	loadConfig = config.Load
	newLogger  = logging.New
)

// newRootCmd creates the root command and attaches every subcommand.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resilient crawl orchestration for business contact discovery.",
		Long: `harvester walks partitions of stored business records, visits each
site with a pool of browser slots, extracts contact emails and records the
outcome. Batches survive restarts through checkpoints and ride out blocking
by rotating the egress identity.`,
		SilenceUsage: true,

		// Config and logging are resolved once; subcommands pull them from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./harvester.yaml, /etc/contact-harvester, $HOME/.contact-harvester)")

	cmd.AddCommand(newServeCmd(), newRunCmd(), newCheckpointCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
