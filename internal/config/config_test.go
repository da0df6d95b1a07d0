package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)

	require.Equal(t, 100, cfg.Scheduler.PageSize)
	require.Equal(t, 5*time.Minute, cfg.Scheduler.StopDrainTimeout)
	require.Equal(t, 24*time.Hour, cfg.Scheduler.CheckpointMaxAge)
	require.Equal(t, 2*time.Second, cfg.Scheduler.InterTaskDelay)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	require.Equal(t, 300, cfg.Pool.RecycleEvery)
	require.Equal(t, 3, cfg.Pool.MaxRecoverFailures)
	require.Equal(t, 5*time.Second, cfg.Pool.ProbeTimeout)
	require.Equal(t, 30*time.Second, cfg.Browser.Headless.NavigationTimeout)
	require.Equal(t, 5*time.Second, cfg.Browser.Headless.Backstop)
	require.Equal(t, 3, cfg.Rotation.Coordinator.AmbiguousThreshold)
	require.Equal(t, 3, cfg.Rotation.Coordinator.EscalationMultiple)
	require.Equal(t, 5*time.Minute, cfg.Rotation.Coordinator.RealCooldown)
	require.Equal(t, 30*time.Second, cfg.Rotation.Coordinator.SimulatedCooldown)
	require.Equal(t, RotationSimulated, cfg.Rotation.Mode)
	require.Equal(t, CheckpointLocal, cfg.Checkpoint.Backend)
	require.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	require.False(t, cfg.RealRotation())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pool:
  size: 4
browser:
  engine: colly
rotation:
  mode: proxylist
  proxy_list:
    proxies: ["http://p1:3128", "http://p2:3128"]
scheduler:
  page_size: 50
checkpoint:
  backend: redis
  max_age: 12h
redis:
  addr: redis:6379
publisher:
  backend: kafka
  brokers: ["kafka:9092"]
extract:
  deny_domains: ["spam.example"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 4, cfg.Pool.Size)
	require.Equal(t, EngineColly, cfg.Browser.Engine)
	require.Equal(t, []string{"http://p1:3128", "http://p2:3128"}, cfg.Rotation.ProxyList.Proxies)
	require.Equal(t, 50, cfg.Scheduler.PageSize)
	require.Equal(t, 12*time.Hour, cfg.Scheduler.CheckpointMaxAge)
	require.Equal(t, 12*time.Hour, cfg.Redis.TTL)
	require.Equal(t, []string{"kafka:9092"}, cfg.Publisher.Brokers)
	require.Equal(t, []string{"spam.example"}, cfg.Extract.DenyDomains)

	// A real rotation mechanism drops the default pacing delay.
	require.True(t, cfg.RealRotation())
	require.Zero(t, cfg.Scheduler.InterTaskDelay)
}

func TestLoadKeepsExplicitDelayWithRealRotation(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
rotation:
  mode: command
  command:
    binary: /usr/bin/vpnctl
    rotate_args: ["connect", "--random"]
scheduler:
  inter_task_delay: 750ms
`))
	require.NoError(t, err)
	require.Equal(t, 750*time.Millisecond, cfg.Scheduler.InterTaskDelay)
	require.Equal(t, []string{"connect", "--random"}, cfg.Rotation.Command.RotateArgs)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:     ServerConfig{Port: 8080},
			Browser:    BrowserConfig{Engine: EngineHeadless},
			Rotation:   RotationConfig{Mode: RotationSimulated},
			Checkpoint: CheckpointConfig{Backend: CheckpointMemory, MaxAge: time.Hour},
			Publisher:  PublisherConfig{Backend: PublisherNone},
		}
	}
	base0 := base()
	base0.Scheduler.PageSize = 100
	require.NoError(t, base0.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"negative pool size", func(c *Config) { c.Pool.Size = -1 }, "pool.size"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"base above cap", func(c *Config) {
			c.Retry.BaseDelay = time.Minute
			c.Retry.MaxDelay = time.Second
		}, "retry.base_delay"},
		{"zero page size", func(c *Config) { c.Scheduler.PageSize = 0 }, "scheduler.page_size"},
		{"negative delay", func(c *Config) { c.Scheduler.InterTaskDelay = -time.Second }, "scheduler.inter_task_delay"},
		{"unknown engine", func(c *Config) { c.Browser.Engine = "lynx" }, "browser.engine"},
		{"command without binary", func(c *Config) { c.Rotation.Mode = RotationCommand }, "rotation.command.binary"},
		{"proxylist without proxies", func(c *Config) { c.Rotation.Mode = RotationProxyList }, "rotation.proxy_list.proxies"},
		{"unknown rotation", func(c *Config) { c.Rotation.Mode = "tor" }, "rotation.mode"},
		{"gcs without bucket", func(c *Config) { c.Checkpoint.Backend = CheckpointGCS }, "gcs.bucket"},
		{"postgres checkpoint without dsn", func(c *Config) { c.Checkpoint.Backend = CheckpointPostgres }, "database.dsn"},
		{"local without dir", func(c *Config) { c.Checkpoint.Backend = CheckpointLocal }, "checkpoint.dir"},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = PublisherPubSub }, "publisher.project_id"},
		{"kafka without brokers", func(c *Config) { c.Publisher.Backend = PublisherKafka }, "publisher.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			cfg.Scheduler.PageSize = 100
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
