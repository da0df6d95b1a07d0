// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/contact-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/contact-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/contact-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/contact-harvester/internal/logging"
	"github.com/JakeFAU/contact-harvester/internal/netident"
	"github.com/JakeFAU/contact-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/contact-harvester/internal/policy/retry"
	"github.com/JakeFAU/contact-harvester/internal/pool"
	"github.com/JakeFAU/contact-harvester/internal/progress"
	"github.com/JakeFAU/contact-harvester/internal/rotation"
	"github.com/JakeFAU/contact-harvester/internal/scheduler"
	"github.com/JakeFAU/contact-harvester/internal/storage/gcs"
	redisstore "github.com/JakeFAU/contact-harvester/internal/storage/redis"
	"github.com/JakeFAU/contact-harvester/internal/worker"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_POOL_SIZE.
const EnvPrefix = "HARVESTER"

const defaultInterTaskDelay = 2 * time.Second

// Browser engines.
const (
	EngineHeadless = "headless"
	EngineColly    = "colly"
)

// Rotation modes.
const (
	RotationSimulated = "simulated"
	RotationCommand   = "command"
	RotationProxyList = "proxylist"
)

// Checkpoint backends.
const (
	CheckpointMemory   = "memory"
	CheckpointLocal    = "local"
	CheckpointRedis    = "redis"
	CheckpointGCS      = "gcs"
	CheckpointPostgres = "postgres"
)

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
	PublisherKafka  = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Logging    logging.Options   `mapstructure:"logging"`
	Pool       pool.Config       `mapstructure:"pool"`
	Browser    BrowserConfig     `mapstructure:"browser"`
	Retry      retry.Config      `mapstructure:"retry"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Scheduler  scheduler.Config  `mapstructure:"scheduler"`
	Worker     worker.Config     `mapstructure:"worker"`
	Checkpoint CheckpointConfig  `mapstructure:"checkpoint"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      redisstore.Config `mapstructure:"redis"`
	GCS        gcs.Config        `mapstructure:"gcs"`
	Publisher  PublisherConfig   `mapstructure:"publisher"`
	Progress   progress.Config   `mapstructure:"progress"`
	Extract    extract.Config    `mapstructure:"extract"`
	RateLimit  ratelimit.Config  `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig picks the page-load engine and tunes each.
type BrowserConfig struct {
	Engine   string              `mapstructure:"engine"`
	Headless headless.Config     `mapstructure:"headless"`
	Colly    collyfetcher.Config `mapstructure:"colly"`
}

// RotationConfig selects the network controller and tunes the coordinator.
type RotationConfig struct {
	Mode        string                   `mapstructure:"mode"`
	Coordinator rotation.Config          `mapstructure:"coordinator"`
	Command     netident.CommandConfig   `mapstructure:"command"`
	ProxyList   netident.ProxyListConfig `mapstructure:"proxy_list"`
}

// CheckpointConfig selects where resume points are kept.
type CheckpointConfig struct {
	Backend string        `mapstructure:"backend"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	Dir     string        `mapstructure:"dir"`
}

// DatabaseConfig controls access to the relational database. An empty DSN
// keeps tasks in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ApplySchema     bool          `mapstructure:"apply_schema"`
	// SeedFile loads JSON-lines tasks into the in-memory store.
	SeedFile string `mapstructure:"seed_file"`
}

// PublisherConfig selects where harvested-contact events go.
type PublisherConfig struct {
	Backend      string        `mapstructure:"backend"`
	Topic        string        `mapstructure:"topic"`
	ProjectID    string        `mapstructure:"project_id"`
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Load builds a Config from disk/environment. With an empty path the usual
// locations are searched and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// No default: an unset delay depends on the rotation mode.
	if err := v.BindEnv("scheduler.inter_task_delay"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/contact-harvester/")
		v.AddConfigPath("$HOME/.contact-harvester")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if !v.IsSet("scheduler.inter_task_delay") {
		cfg.Scheduler.InterTaskDelay = defaultInterTaskDelay
		if cfg.RealRotation() {
			cfg.Scheduler.InterTaskDelay = 0
		}
	}
	cfg.Scheduler.CheckpointMaxAge = cfg.Checkpoint.MaxAge
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = cfg.Checkpoint.MaxAge
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("pool.size", 0)
	v.SetDefault("pool.recycle_every", 300)
	v.SetDefault("pool.probe_timeout", "5s")
	v.SetDefault("pool.max_recover_failures", 3)
	v.SetDefault("pool.build_timeout", "60s")

	v.SetDefault("browser.engine", EngineHeadless)
	v.SetDefault("browser.headless.user_agent", "contact-harvester/1.0")
	v.SetDefault("browser.headless.navigation_timeout", "30s")
	v.SetDefault("browser.headless.backstop", "5s")
	v.SetDefault("browser.headless.startup_wait", "30s")
	v.SetDefault("browser.colly.user_agent", "contact-harvester/1.0")
	v.SetDefault("browser.colly.timeout", "30s")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.jitter", true)

	def := rotation.DefaultConfig()
	v.SetDefault("rotation.mode", RotationSimulated)
	v.SetDefault("rotation.coordinator.ambiguous_threshold", def.AmbiguousThreshold)
	v.SetDefault("rotation.coordinator.escalation_multiple", def.EscalationMultiple)
	v.SetDefault("rotation.coordinator.real_cooldown", def.RealCooldown)
	v.SetDefault("rotation.coordinator.simulated_cooldown", def.SimulatedCooldown)
	v.SetDefault("rotation.command.timeout", "60s")
	v.SetDefault("rotation.command.settle_delay", "5s")
	v.SetDefault("rotation.proxy_list.quarantine", "5m")

	v.SetDefault("scheduler.page_size", 100)
	v.SetDefault("scheduler.stop_drain_timeout", "5m")
	v.SetDefault("scheduler.max_requeues", 3)
	v.SetDefault("scheduler.persist_timeout", "10s")

	v.SetDefault("worker.max_slot_recoveries", 2)
	v.SetDefault("worker.block_scan_bytes", 64<<10)

	v.SetDefault("checkpoint.backend", CheckpointLocal)
	v.SetDefault("checkpoint.max_age", "24h")
	v.SetDefault("checkpoint.dir", "data/checkpoints")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.apply_schema", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "harvester:checkpoint:")
	v.SetDefault("gcs.prefix", "checkpoints")

	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("publisher.topic", "harvested-contacts")
	v.SetDefault("publisher.batch_timeout", "100ms")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")

	v.SetDefault("extract.max_contact_pages", 3)

	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
}

// RealRotation reports whether the configured rotation changes egress.
func (c Config) RealRotation() bool {
	return c.Rotation.Mode == RotationCommand || c.Rotation.Mode == RotationProxyList
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must be >= 0")
	}
	if c.Pool.RecycleEvery < 0 {
		return fmt.Errorf("pool.recycle_every must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay && c.Retry.MaxDelay > 0 {
		return fmt.Errorf("retry.base_delay must not exceed retry.max_delay")
	}
	if c.Scheduler.PageSize <= 0 {
		return fmt.Errorf("scheduler.page_size must be > 0")
	}
	if c.Scheduler.InterTaskDelay < 0 {
		return fmt.Errorf("scheduler.inter_task_delay must be >= 0")
	}
	if c.Checkpoint.MaxAge <= 0 {
		return fmt.Errorf("checkpoint.max_age must be > 0")
	}

	switch c.Browser.Engine {
	case EngineHeadless, EngineColly:
	default:
		return fmt.Errorf("browser.engine must be %q or %q", EngineHeadless, EngineColly)
	}

	switch c.Rotation.Mode {
	case RotationSimulated:
	case RotationCommand:
		if c.Rotation.Command.Binary == "" {
			return fmt.Errorf("rotation.command.binary must be set for command rotation")
		}
	case RotationProxyList:
		if len(c.Rotation.ProxyList.Proxies) == 0 {
			return fmt.Errorf("rotation.proxy_list.proxies must be set for proxylist rotation")
		}
	default:
		return fmt.Errorf("rotation.mode %q is not supported", c.Rotation.Mode)
	}

	switch c.Checkpoint.Backend {
	case CheckpointMemory:
	case CheckpointLocal:
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir must be set for the local backend")
		}
	case CheckpointRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis backend")
		}
	case CheckpointGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("gcs.bucket must be set for the gcs backend")
		}
	case CheckpointPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres checkpoint backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend %q is not supported", c.Checkpoint.Backend)
	}

	switch c.Publisher.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for pubsub")
		}
	case PublisherKafka:
		if len(c.Publisher.Brokers) == 0 {
			return fmt.Errorf("publisher.brokers must be set for kafka")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	return nil
}
