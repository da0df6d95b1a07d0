package netident

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// CommandConfig describes an external CLI that switches egress, such as a
// VPN client's "connect" subcommand.
type CommandConfig struct {
	Binary      string        `mapstructure:"binary" yaml:"binary"`
	RotateArgs  []string      `mapstructure:"rotate_args" yaml:"rotate_args"`
	StatusArgs  []string      `mapstructure:"status_args" yaml:"status_args"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// runner executes a command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // binary comes from operator config
}

// Command rotates by running an operator-configured CLI.
type Command struct {
	cfg    CommandConfig
	run    runner
	logger *zap.Logger
}

// NewCommand validates the configuration.
func NewCommand(cfg CommandConfig, logger *zap.Logger) (*Command, error) {
	if cfg.Binary == "" {
		return nil, errors.New("rotation command binary is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{cfg: cfg, run: execRunner, logger: logger}, nil
}

// Rotate runs the rotate command and waits for the link to settle.
func (c *Command) Rotate(ctx context.Context) bool {
	if err := c.exec(ctx, c.cfg.RotateArgs); err != nil {
		c.logger.Warn("egress rotation command failed", zap.Error(err))
		return false
	}
	if c.cfg.SettleDelay > 0 {
		timer := time.NewTimer(c.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return c.CurrentStatus(ctx)
}

// CurrentStatus runs the status command; without one it assumes connected.
func (c *Command) CurrentStatus(ctx context.Context) bool {
	if len(c.cfg.StatusArgs) == 0 {
		return true
	}
	if err := c.exec(ctx, c.cfg.StatusArgs); err != nil {
		c.logger.Warn("egress status command failed", zap.Error(err))
		return false
	}
	return true
}

// Real is true: the command changes the host's egress.
func (c *Command) Real() bool { return true }

func (c *Command) exec(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	out, err := c.run(ctx, c.cfg.Binary, args...)
	if err != nil {
		return fmt.Errorf("run %s: %w (output: %s)", c.cfg.Binary, err, truncate(out, 256))
	}
	c.logger.Debug("egress command succeeded", zap.String("binary", c.cfg.Binary), zap.Strings("args", args))
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ crawler.NetworkController = (*Command)(nil)
