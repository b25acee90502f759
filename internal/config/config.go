package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/volley/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Transport   TransportConfig   `yaml:"transport"`
	Engine      EngineConfig      `yaml:"engine"`
	Health      HealthConfig      `yaml:"health"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // bbolt database file
}

// TransportConfig contains connection settings for send attempts
type TransportConfig struct {
	SessionsDir    string        `yaml:"sessions_dir"`    // per-account session files
	HelloName      string        `yaml:"hello_name"`      // HELO/EHLO identity
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // proxied connect budget before direct fallback
}

// EngineConfig contains dispatch defaults applied to jobs that leave
// the field unset.
type EngineConfig struct {
	Threads         int           `yaml:"threads"`           // repeat-mode group size
	MinDelay        time.Duration `yaml:"min_delay"`         // inter-send delay lower bound
	MaxDelay        time.Duration `yaml:"max_delay"`         // inter-send delay upper bound
	FailStreakLimit int           `yaml:"fail_streak_limit"` // force-mode rotation threshold
	MutualRetryMax  int           `yaml:"mutual_retry_max"`  // retries on mutual-contact failures
}

// HealthConfig contains account health monitor settings
type HealthConfig struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`  // status cache lifetime
	ProbePeer string        `yaml:"probe_peer"` // address used for live status probes
}

// RateLimitConfig contains local pacing settings
type RateLimitConfig struct {
	Enabled bool              `yaml:"enabled"`
	Limits  *ratelimit.Config `yaml:"limits,omitempty"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
}

// MaintenanceConfig contains background housekeeping settings
type MaintenanceConfig struct {
	DailyResetSchedule string        `yaml:"daily_reset_schedule"` // cron spec, default midnight
	SweepInterval      time.Duration `yaml:"sweep_interval"`       // health cache sweep cadence
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/volley/volley.db"
	}

	if c.Transport.SessionsDir == "" {
		c.Transport.SessionsDir = "/var/lib/volley/sessions"
	}
	if c.Transport.HelloName == "" {
		c.Transport.HelloName = c.Server.Hostname
	}
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = 30 * time.Second
	}

	if c.Engine.Threads == 0 {
		c.Engine.Threads = 2
	}
	if c.Engine.MinDelay == 0 {
		c.Engine.MinDelay = 5 * time.Second
	}
	if c.Engine.MaxDelay == 0 {
		c.Engine.MaxDelay = 15 * time.Second
	}
	if c.Engine.FailStreakLimit == 0 {
		c.Engine.FailStreakLimit = 30
	}
	if c.Engine.MutualRetryMax == 0 {
		c.Engine.MutualRetryMax = 2
	}

	if c.Health.CacheTTL == 0 {
		c.Health.CacheTTL = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}

	if c.Maintenance.DailyResetSchedule == "" {
		c.Maintenance.DailyResetSchedule = "0 0 * * *"
	}
	if c.Maintenance.SweepInterval == 0 {
		c.Maintenance.SweepInterval = time.Hour
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Transport.SessionsDir == "" {
		return fmt.Errorf("transport.sessions_dir is required")
	}

	if c.Engine.Threads < 1 {
		return fmt.Errorf("engine.threads must be at least 1")
	}
	if c.Engine.MinDelay < 0 || c.Engine.MaxDelay < 0 {
		return fmt.Errorf("engine delays must not be negative")
	}
	if c.Engine.MaxDelay < c.Engine.MinDelay {
		return fmt.Errorf("engine.max_delay must not be less than engine.min_delay")
	}
	if c.Engine.FailStreakLimit < 1 {
		return fmt.Errorf("engine.fail_streak_limit must be at least 1")
	}

	if c.Health.CacheTTL < 0 {
		return fmt.Errorf("health.cache_ttl must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.RateLimit.Enabled && c.RateLimit.Limits == nil {
		return fmt.Errorf("rate_limit.limits is required when rate limiting is enabled")
	}

	return nil
}

// ApplyJobDefaults fills unset job parameters from the engine defaults.
func (c *Config) ApplyJobDefaults(threads *int, minDelay, maxDelay *time.Duration, failStreak, mutualRetry *int) {
	if *threads == 0 {
		*threads = c.Engine.Threads
	}
	if *minDelay == 0 {
		*minDelay = c.Engine.MinDelay
	}
	if *maxDelay == 0 {
		*maxDelay = c.Engine.MaxDelay
	}
	if *failStreak == 0 {
		*failStreak = c.Engine.FailStreakLimit
	}
	if *mutualRetry == 0 {
		*mutualRetry = c.Engine.MutualRetryMax
	}
}
