// Package config loads data layer configuration from defaults, an optional
// YAML file, .env files and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/fifatracker/datalayer/internal/backoff"
	"github.com/fifatracker/datalayer/internal/connmon"
	"github.com/fifatracker/datalayer/internal/datalayer"
	"github.com/fifatracker/datalayer/internal/executor"
	"github.com/fifatracker/datalayer/internal/livesync"
	"github.com/fifatracker/datalayer/pkg/logger"
)

// Backends
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// DefaultTopics are the tables the live subscription listens to.
var DefaultTopics = []string{"players", "matches", "transactions", "finances", "bans", "spieler_des_spiels"}

// Config is the full data layer configuration.
type Config struct {
	Backend  string         `yaml:"backend" env:"DATALAYER_BACKEND"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Database DatabaseConfig `yaml:"database"`
	Executor ExecutorConfig `yaml:"executor"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	LiveSync LiveSyncConfig `yaml:"livesync"`
	SlowLog  SlowLogConfig  `yaml:"slow_log"`
	Host     HostConfig     `yaml:"host"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// SupabaseConfig locates the Supabase project.
type SupabaseConfig struct {
	URL           string        `yaml:"url" env:"SUPABASE_URL"`
	AnonKey       string        `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	ClientInfo    string        `yaml:"client_info" env:"SUPABASE_CLIENT_INFO"`
	Timeout       time.Duration `yaml:"timeout" env:"SUPABASE_TIMEOUT"`
	AutoRefresh   bool          `yaml:"auto_refresh" env:"SUPABASE_AUTO_REFRESH"`
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"SUPABASE_REFRESH_MARGIN"`
	// RefreshAttempts bounds one token refresh, retries included.
	RefreshAttempts int    `yaml:"refresh_attempts" env:"SUPABASE_REFRESH_ATTEMPTS"`
	Email           string `yaml:"email" env:"SUPABASE_EMAIL"`
	Password        string `yaml:"-" env:"SUPABASE_PASSWORD"`
}

// DatabaseConfig configures direct Postgres access.
type DatabaseConfig struct {
	URL          string `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
}

// ExecutorConfig configures the request executor.
type ExecutorConfig struct {
	PoolSize       int           `yaml:"pool_size" env:"DATALAYER_POOL_SIZE"`
	MaxAttempts    int           `yaml:"max_attempts" env:"DATALAYER_MAX_ATTEMPTS"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

// MonitorConfig configures the connection monitor.
type MonitorConfig struct {
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" env:"DATALAYER_HEALTH_INTERVAL"`
	KeepAliveInterval    time.Duration `yaml:"keep_alive_interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

// LiveSyncConfig configures the push subscription.
type LiveSyncConfig struct {
	Enabled           bool          `yaml:"enabled" env:"DATALAYER_LIVESYNC"`
	Channel           string        `yaml:"channel"`
	Topics            []string      `yaml:"topics"`
	ErroredRetryDelay time.Duration `yaml:"errored_retry_delay"`
	ClosedRetryDelay  time.Duration `yaml:"closed_retry_delay"`
	EventsPerSecond   float64       `yaml:"events_per_second"`
}

// SlowLogConfig configures the slow query log.
type SlowLogConfig struct {
	Threshold time.Duration `yaml:"threshold"`
	Keep      int           `yaml:"keep"`
}

// HostConfig configures host lifecycle behaviour.
type HostConfig struct {
	VisibilityGrace time.Duration `yaml:"visibility_grace"`
	StatsSchedule   string        `yaml:"stats_schedule" env:"DATALAYER_STATS_SCHEDULE"`
}

// HTTPConfig configures the diagnostics server.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"DATALAYER_HTTP_ADDR"`
	// ActionRate limits POST /debug actions per client and second. Zero
	// disables the limit.
	ActionRate  float64 `yaml:"action_rate"`
	ActionBurst int     `yaml:"action_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"DATALAYER_LOG_LEVEL"`
	Format string `yaml:"format" env:"DATALAYER_LOG_FORMAT"`
}

// Default returns the default configuration.
func Default() *Config {
	ex := executor.DefaultConfig()
	mon := connmon.DefaultConfig()
	ls := livesync.DefaultConfig()
	return &Config{
		Backend: BackendSupabase,
		Supabase: SupabaseConfig{
			ClientInfo:      "fifatracker-datalayer",
			Timeout:         30 * time.Second,
			AutoRefresh:     true,
			RefreshMargin:   time.Minute,
			RefreshAttempts: 5,
		},
		Database: DatabaseConfig{MaxOpenConns: 10},
		Executor: ExecutorConfig{
			PoolSize:       ex.PoolSize,
			MaxAttempts:    ex.Policy.MaxAttempts,
			BaseDelay:      ex.Policy.BaseDelay,
			MaxDelay:       ex.Policy.MaxDelay,
			JitterFraction: ex.Policy.JitterFraction,
		},
		Monitor: MonitorConfig{
			HealthCheckInterval:  mon.HealthCheckInterval,
			KeepAliveInterval:    mon.KeepAliveInterval,
			ProbeTimeout:         mon.ProbeTimeout,
			MaxReconnectAttempts: mon.Reconnect.MaxAttempts,
			ReconnectBaseDelay:   mon.Reconnect.BaseDelay,
			ReconnectMaxDelay:    mon.Reconnect.MaxDelay,
		},
		LiveSync: LiveSyncConfig{
			Enabled:           true,
			Channel:           "global_live",
			Topics:            append([]string(nil), DefaultTopics...),
			ErroredRetryDelay: ls.ErroredRetryDelay,
			ClosedRetryDelay:  ls.ClosedRetryDelay,
			EventsPerSecond:   float64(ls.ChangeRate),
		},
		SlowLog: SlowLogConfig{Threshold: 2 * time.Second, Keep: 10},
		Host: HostConfig{
			VisibilityGrace: 5 * time.Minute,
			StatsSchedule:   "@every 1m",
		},
		HTTP: HTTPConfig{Addr: ":8090", ActionRate: 1, ActionBurst: 5},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty), the given .env files (missing files are ignored) and
// the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			return errors.New("supabase.url is required")
		}
		if _, err := url.ParseRequestURI(c.Supabase.URL); err != nil {
			return fmt.Errorf("supabase.url: %w", err)
		}
		if c.Supabase.AnonKey == "" {
			return errors.New("supabase.anon_key is required")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres backend")
		}
		if c.LiveSync.Enabled && c.Supabase.URL == "" {
			return errors.New("livesync needs supabase.url")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Executor.PoolSize <= 0 {
		return errors.New("executor.pool_size must be positive")
	}
	if c.Executor.MaxAttempts <= 0 {
		return errors.New("executor.max_attempts must be positive")
	}
	if c.Executor.JitterFraction < 0 || c.Executor.JitterFraction > 1 {
		return errors.New("executor.jitter_fraction must be between 0 and 1")
	}
	if c.LiveSync.EventsPerSecond < 0 {
		return errors.New("livesync.events_per_second must not be negative")
	}
	if c.LiveSync.Enabled && len(c.LiveSync.Topics) == 0 {
		return errors.New("livesync.topics must not be empty")
	}
	for _, t := range c.LiveSync.Topics {
		if strings.TrimSpace(t) == "" {
			return errors.New("livesync.topics contains an empty topic")
		}
	}
	return nil
}

// ExecutorConfig converts the executor section.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		PoolSize: c.Executor.PoolSize,
		Policy: backoff.Policy{
			MaxAttempts:    c.Executor.MaxAttempts,
			BaseDelay:      c.Executor.BaseDelay,
			MaxDelay:       c.Executor.MaxDelay,
			JitterFraction: c.Executor.JitterFraction,
		},
	}
}

// MonitorConfig converts the monitor section.
func (c *Config) MonitorConfig() connmon.Config {
	return connmon.Config{
		HealthCheckInterval: c.Monitor.HealthCheckInterval,
		KeepAliveInterval:   c.Monitor.KeepAliveInterval,
		ProbeTimeout:        c.Monitor.ProbeTimeout,
		Reconnect: backoff.Policy{
			MaxAttempts:    c.Monitor.MaxReconnectAttempts,
			BaseDelay:      c.Monitor.ReconnectBaseDelay,
			MaxDelay:       c.Monitor.ReconnectMaxDelay,
			JitterFraction: c.Executor.JitterFraction,
		},
	}
}

// LiveSyncConfig converts the livesync section.
func (c *Config) LiveSyncConfig() livesync.Config {
	cfg := livesync.DefaultConfig()
	cfg.Topics = append([]string(nil), c.LiveSync.Topics...)
	if c.LiveSync.ErroredRetryDelay > 0 {
		cfg.ErroredRetryDelay = c.LiveSync.ErroredRetryDelay
	}
	if c.LiveSync.ClosedRetryDelay > 0 {
		cfg.ClosedRetryDelay = c.LiveSync.ClosedRetryDelay
	}
	if c.LiveSync.EventsPerSecond >= 0 {
		cfg.ChangeRate = rate.Limit(c.LiveSync.EventsPerSecond)
	}
	return cfg
}

// RefreshRetryPolicy is the backoff used for token refresh retries. It shares
// the executor's delays.
func (c *Config) RefreshRetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:    c.Supabase.RefreshAttempts,
		BaseDelay:      c.Executor.BaseDelay,
		MaxDelay:       c.Executor.MaxDelay,
		JitterFraction: c.Executor.JitterFraction,
	}
}

// DataLayerConfig assembles the datalayer configuration from every section.
func (c *Config) DataLayerConfig() datalayer.Config {
	return datalayer.Config{
		Executor:           c.ExecutorConfig(),
		Monitor:            c.MonitorConfig(),
		LiveSync:           c.LiveSyncConfig(),
		LiveSyncEnabled:    c.LiveSync.Enabled,
		SlowQueryThreshold: c.SlowLog.Threshold,
		SlowQueryKeep:      c.SlowLog.Keep,
		VisibilityGrace:    c.Host.VisibilityGrace,
		StatsSchedule:      c.Host.StatsSchedule,
	}
}

// LoggerConfig converts the log section.
func (c *Config) LoggerConfig(component string) logger.Config {
	return logger.Config{Level: c.Log.Level, Format: c.Log.Format, Component: component}
}
