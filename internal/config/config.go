// Package config loads SceneSphere server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Journal   JournalConfig   `yaml:"journal"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// RedisConfig configures the optional Redis connection. An empty Addr
// keeps the journal in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JournalConfig configures the per-session intent journal.
type JournalConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	MaxMembers    int           `yaml:"max_members"` // 0 = unlimited
	IdleTTL       time.Duration `yaml:"idle_ttl"`    // 0 = keep empty sessions forever
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WebSocketConfig configures the replication channel.
type WebSocketConfig struct {
	MaxConns        int           `yaml:"max_conns"` // 0 = unlimited
	SendBuffer      int           `yaml:"send_buffer"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // 0 = never reap
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
}

// RateLimitConfig limits session creation per client IP.
type RateLimitConfig struct {
	CreateSessions int           `yaml:"create_sessions"` // 0 = unlimited
	Window         time.Duration `yaml:"window"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Journal: JournalConfig{
			Enabled:    true,
			MaxEntries: 1000,
		},
		Sessions: SessionsConfig{
			IdleTTL:       time.Hour,
			SweepInterval: time.Minute,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:      256,
			MaxMessageBytes: 64 << 10,
		},
		RateLimit: RateLimitConfig{
			CreateSessions: 20,
			Window:         time.Minute,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if path
// is non-empty, and then with environment overrides. A missing file is an
// error: an explicitly named config must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONNS: %w", err)
		}
		c.WebSocket.MaxConns = n
	}
	if v := os.Getenv("SESSION_IDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_IDLE_TTL: %w", err)
		}
		c.Sessions.IdleTTL = d
	}
	return nil
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format))
	}
	if c.Journal.Enabled && c.Journal.MaxEntries <= 0 {
		errs = append(errs, errors.New("journal.max_entries must be positive"))
	}
	if c.Sessions.MaxMembers < 0 {
		errs = append(errs, errors.New("sessions.max_members must not be negative"))
	}
	if c.Sessions.IdleTTL < 0 {
		errs = append(errs, errors.New("sessions.idle_ttl must not be negative"))
	}
	if c.Sessions.IdleTTL > 0 && c.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("sessions.sweep_interval must be positive when idle_ttl is set"))
	}
	if c.WebSocket.MaxConns < 0 {
		errs = append(errs, errors.New("websocket.max_conns must not be negative"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer must be positive"))
	}
	if c.WebSocket.IdleTimeout < 0 {
		errs = append(errs, errors.New("websocket.idle_timeout must not be negative"))
	}
	if c.WebSocket.MaxMessageBytes < 1024 {
		errs = append(errs, errors.New("websocket.max_message_bytes must be at least 1024"))
	}
	if c.RateLimit.CreateSessions < 0 {
		errs = append(errs, errors.New("rate_limit.create_sessions must not be negative"))
	}
	if c.RateLimit.CreateSessions > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive when create_sessions is set"))
	}
	return errors.Join(errs...)
}
