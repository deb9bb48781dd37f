// ABOUTME: Configuration loading and parsing for mcp-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listen address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds directory/catalog database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig holds connection-manager timing configuration.
// All the timeouts the source scattered as constants live here.
type UpstreamConfig struct {
	// Backend selects the transport implementation: "websocket" (default)
	// or "fake" for the in-memory development backend.
	Backend string `yaml:"backend"`

	ConnectTimeout      time.Duration `yaml:"-"`
	CallTimeout         time.Duration `yaml:"-"`
	PingTimeout         time.Duration `yaml:"-"`
	SweepInterval       time.Duration `yaml:"-"`
	ReconnectMinBackoff time.Duration `yaml:"-"`
	ReconnectMaxBackoff time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw      string `yaml:"connect_timeout"`
	CallTimeoutRaw         string `yaml:"call_timeout"`
	PingTimeoutRaw         string `yaml:"ping_timeout"`
	SweepIntervalRaw       string `yaml:"sweep_interval"`
	ReconnectMinBackoffRaw string `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoffRaw string `yaml:"reconnect_max_backoff"`
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	HalfOpenSuccesses int `yaml:"half_open_successes"`

	ResetTimeout time.Duration `yaml:"-"`
	SendTimeout  time.Duration `yaml:"-"`

	ResetTimeoutRaw string `yaml:"reset_timeout"`
	SendTimeoutRaw  string `yaml:"send_timeout"`
}

// StatusConfig holds status broadcaster configuration
type StatusConfig struct {
	// MetricsEvery pushes a fresh snapshot to subscribers after this many
	// completed requests per server.
	MetricsEvery int `yaml:"metrics_every"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding knob is absent from the file.
const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultCallTimeout         = 60 * time.Second
	DefaultPingTimeout         = 5 * time.Second
	DefaultSweepInterval       = 30 * time.Second
	DefaultReconnectMinBackoff = 1 * time.Second
	DefaultReconnectMaxBackoff = 30 * time.Second
	DefaultResetTimeout        = 30 * time.Second
	DefaultSendTimeout         = 10 * time.Second
	DefaultFailureThreshold    = 5
	DefaultHalfOpenSuccesses   = 2
	DefaultMetricsEvery        = 25
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every knob at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued knobs.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mcp-gateway.db"
	}
	if c.Upstream.Backend == "" {
		c.Upstream.Backend = "websocket"
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Upstream.CallTimeout == 0 {
		c.Upstream.CallTimeout = DefaultCallTimeout
	}
	if c.Upstream.PingTimeout == 0 {
		c.Upstream.PingTimeout = DefaultPingTimeout
	}
	if c.Upstream.SweepInterval == 0 {
		c.Upstream.SweepInterval = DefaultSweepInterval
	}
	if c.Upstream.ReconnectMinBackoff == 0 {
		c.Upstream.ReconnectMinBackoff = DefaultReconnectMinBackoff
	}
	if c.Upstream.ReconnectMaxBackoff == 0 {
		c.Upstream.ReconnectMaxBackoff = DefaultReconnectMaxBackoff
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.HalfOpenSuccesses == 0 {
		c.Breaker.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if c.Breaker.SendTimeout == 0 {
		c.Breaker.SendTimeout = DefaultSendTimeout
	}
	if c.Status.MetricsEvery == 0 {
		c.Status.MetricsEvery = DefaultMetricsEvery
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Upstream.Backend != "websocket" && c.Upstream.Backend != "fake" {
		return fmt.Errorf("upstream.backend must be %q or %q, got %q", "websocket", "fake", c.Upstream.Backend)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.HalfOpenSuccesses < 1 {
		return fmt.Errorf("breaker.half_open_successes must be at least 1")
	}
	if c.Upstream.ReconnectMinBackoff > c.Upstream.ReconnectMaxBackoff {
		return fmt.Errorf("upstream.reconnect_min_backoff exceeds reconnect_max_backoff")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dest *time.Duration
		name string
	}{
		{cfg.Upstream.ConnectTimeoutRaw, &cfg.Upstream.ConnectTimeout, "connect_timeout"},
		{cfg.Upstream.CallTimeoutRaw, &cfg.Upstream.CallTimeout, "call_timeout"},
		{cfg.Upstream.PingTimeoutRaw, &cfg.Upstream.PingTimeout, "ping_timeout"},
		{cfg.Upstream.SweepIntervalRaw, &cfg.Upstream.SweepInterval, "sweep_interval"},
		{cfg.Upstream.ReconnectMinBackoffRaw, &cfg.Upstream.ReconnectMinBackoff, "reconnect_min_backoff"},
		{cfg.Upstream.ReconnectMaxBackoffRaw, &cfg.Upstream.ReconnectMaxBackoff, "reconnect_max_backoff"},
		{cfg.Breaker.ResetTimeoutRaw, &cfg.Breaker.ResetTimeout, "reset_timeout"},
		{cfg.Breaker.SendTimeoutRaw, &cfg.Breaker.SendTimeout, "send_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dest = d
	}
	return nil
}
