package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the system-wide settings tree. Defaults cover a single-process
// deployment; a TOML file and SIGNALHUB_* environment variables override
// them in that order.
type Config struct {
	HTTP    HTTPConfig    `toml:"http"`
	Gateway GatewayConfig `toml:"gateway"`
	Limits  LimitsConfig  `toml:"limits"`
	History HistoryConfig `toml:"history"`
	SSE     SSEConfig     `toml:"sse"`
	Archive ArchiveConfig `toml:"archive"`
	Auth    AuthConfig    `toml:"auth"`
}

// Duration wraps time.Duration so TOML files can spell intervals the way
// time.ParseDuration reads them ("30s", "10m", "24h").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type HTTPConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type GatewayConfig struct {
	PingInterval  Duration `toml:"ping_interval"`
	ReadTimeout   Duration `toml:"read_timeout"`
	WriteTimeout  Duration `toml:"write_timeout"`
	WriteBuffer   int      `toml:"write_buffer"`
	WelcomeReplay int      `toml:"welcome_replay"`
}

type LimitsConfig struct {
	ConnectionPerMinute int      `toml:"connection_per_minute"`
	MessagePerMinute    int      `toml:"message_per_minute"`
	EventPerMinute      int      `toml:"event_per_minute"`
	Window              Duration `toml:"window"`
	CleanupInterval     Duration `toml:"cleanup_interval"`
}

type HistoryConfig struct {
	Capacity int `toml:"capacity"`
}

type SSEConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HistoryCapacity   int      `toml:"history_capacity"`
	MaxAge            Duration `toml:"max_age"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// AuthConfig maps static bearer tokens to principals. Token issuance lives
// outside this system.
type AuthConfig struct {
	Tokens []TokenEntry `toml:"tokens"`
}

type TokenEntry struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{30 * time.Second},
		},
		Gateway: GatewayConfig{
			PingInterval:  Duration{30 * time.Second},
			ReadTimeout:   Duration{60 * time.Second},
			WriteTimeout:  Duration{10 * time.Second},
			WriteBuffer:   100,
			WelcomeReplay: 25,
		},
		Limits: LimitsConfig{
			ConnectionPerMinute: 10,
			MessagePerMinute:    60,
			EventPerMinute:      100,
			Window:              Duration{time.Minute},
			CleanupInterval:     Duration{time.Minute},
		},
		History: HistoryConfig{
			Capacity: 100,
		},
		SSE: SSEConfig{
			HeartbeatInterval: Duration{30 * time.Second},
			HistoryCapacity:   100,
			MaxAge:            Duration{24 * time.Hour},
			SweepInterval:     Duration{10 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Path:      "./signalhub.db",
			Retention: Duration{30 * 24 * time.Hour},
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if host := os.Getenv("SIGNALHUB_HTTP_HOST"); host != "" {
		c.HTTP.Host = host
	}
	if port := os.Getenv("SIGNALHUB_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.HTTP.Port = p
		}
	}
	if path := os.Getenv("SIGNALHUB_ARCHIVE_PATH"); path != "" {
		c.Archive.Path = path
	}
	if v := os.Getenv("SIGNALHUB_ARCHIVE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Archive.Enabled = b
		}
	}
	if v := os.Getenv("SIGNALHUB_LIMIT_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MessagePerMinute = n
		}
	}
	if v := os.Getenv("SIGNALHUB_LIMIT_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.ConnectionPerMinute = n
		}
	}
	if v := os.Getenv("SIGNALHUB_LIMIT_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.EventPerMinute = n
		}
	}
	if v := os.Getenv("SIGNALHUB_GATEWAY_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Gateway.PingInterval = Duration{d}
		}
	}
	if v := os.Getenv("SIGNALHUB_SSE_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SSE.HeartbeatInterval = Duration{d}
		}
	}
	if v := os.Getenv("SIGNALHUB_SSE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SSE.MaxAge = Duration{d}
		}
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout.Duration <= 0 || c.HTTP.WriteTimeout.Duration <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.Gateway.PingInterval.Duration <= 0 || c.Gateway.ReadTimeout.Duration <= 0 || c.Gateway.WriteTimeout.Duration <= 0 {
		return fmt.Errorf("gateway intervals must be positive")
	}
	if c.Gateway.WriteBuffer <= 0 {
		return fmt.Errorf("gateway write buffer must be positive")
	}
	if c.Limits.ConnectionPerMinute <= 0 || c.Limits.MessagePerMinute <= 0 || c.Limits.EventPerMinute <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Limits.Window.Duration <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Limits.CleanupInterval.Duration <= 0 {
		return fmt.Errorf("rate limit cleanup interval must be positive")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history capacity must be positive")
	}
	if c.SSE.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("sse heartbeat interval must be positive")
	}
	if c.SSE.HistoryCapacity <= 0 {
		return fmt.Errorf("sse history capacity must be positive")
	}
	if c.SSE.MaxAge.Duration <= 0 {
		return fmt.Errorf("sse max age must be positive")
	}
	if c.SSE.SweepInterval.Duration <= 0 {
		return fmt.Errorf("sse sweep interval must be positive")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive path cannot be empty when archive is enabled")
	}
	if c.Archive.Enabled && c.Archive.Retention.Duration <= 0 {
		return fmt.Errorf("archive retention must be positive when archive is enabled")
	}
	return nil
}

// ListenAddr formats the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
