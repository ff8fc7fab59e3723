// Package config loads pibridge settings from $PIBRIDGE_HOME/config.yaml,
// applies environment overrides, and validates the document against an
// embedded JSON Schema before any defaults are trusted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitsConfig bounds the transport's admission, rate, and liveness policy.
type LimitsConfig struct {
	MaxConnections           int `yaml:"max_connections"`
	RateLimitMessages        int `yaml:"rate_limit_messages"`
	RateLimitWindowSeconds   int `yaml:"rate_limit_window_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	PongTimeoutSeconds       int `yaml:"pong_timeout_seconds"`
	IdleTimeoutSeconds       int `yaml:"idle_timeout_seconds"`
	DrainTimeoutSeconds      int `yaml:"drain_timeout_seconds"`
	UserInputTimeoutSeconds  int `yaml:"user_input_timeout_seconds"`
}

// OtelConfig configures the tracing/metrics provider.
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint       string  `yaml:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, must be presented by initialize before any
	// session method is allowed.
	AuthToken string `yaml:"auth_token"`

	// SessionDir is where pi persists session logs. PI_SESSION_DIR
	// overrides; the default is ~/.pi/sessions.
	SessionDir string `yaml:"session_dir"`

	// PiBinary is the agent executable, resolved on PATH when bare.
	PiBinary string `yaml:"pi_binary"`

	Limits LimitsConfig `yaml:"limits"`
	Otel   OtelConfig   `yaml:"otel"`
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Limits.RateLimitWindowSeconds) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Limits.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) PongTimeout() time.Duration {
	return time.Duration(c.Limits.PongTimeoutSeconds) * time.Second
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Limits.DrainTimeoutSeconds) * time.Second
}

func (c Config) UserInputTimeout() time.Duration {
	return time.Duration(c.Limits.UserInputTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		PiBinary: "pi",
		Limits: LimitsConfig{
			MaxConnections:           10,
			RateLimitMessages:        100,
			RateLimitWindowSeconds:   60,
			HeartbeatIntervalSeconds: 30,
			PongTimeoutSeconds:       10,
			IdleTimeoutSeconds:       300,
			DrainTimeoutSeconds:      10,
			UserInputTimeoutSeconds:  120,
		},
		Otel: OtelConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// HomeDir resolves the pibridge home, honoring the PIBRIDGE_HOME override.
func HomeDir() string {
	if override := os.Getenv("PIBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pibridge")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (missing file means pure defaults), validates it
// against the embedded schema, applies env overrides, and normalizes.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pibridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := validateDocument(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PIBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PIBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PIBRIDGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("PI_SESSION_DIR"); raw != "" {
		cfg.SessionDir = raw
	}
	if raw := os.Getenv("PIBRIDGE_PI_BINARY"); raw != "" {
		cfg.PiBinary = raw
	}
	if raw := os.Getenv("PIBRIDGE_MAX_CONNECTIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.MaxConnections = v
		}
	}
	if raw := os.Getenv("PIBRIDGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Limits.DrainTimeoutSeconds = v
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.PiBinary == "" {
		cfg.PiBinary = def.PiBinary
	}
	if cfg.SessionDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.SessionDir = filepath.Join(home, ".pi", "sessions")
	}
	if cfg.Limits.MaxConnections <= 0 {
		cfg.Limits.MaxConnections = def.Limits.MaxConnections
	}
	if cfg.Limits.RateLimitMessages <= 0 {
		cfg.Limits.RateLimitMessages = def.Limits.RateLimitMessages
	}
	if cfg.Limits.RateLimitWindowSeconds <= 0 {
		cfg.Limits.RateLimitWindowSeconds = def.Limits.RateLimitWindowSeconds
	}
	if cfg.Limits.HeartbeatIntervalSeconds <= 0 {
		cfg.Limits.HeartbeatIntervalSeconds = def.Limits.HeartbeatIntervalSeconds
	}
	if cfg.Limits.PongTimeoutSeconds <= 0 {
		cfg.Limits.PongTimeoutSeconds = def.Limits.PongTimeoutSeconds
	}
	if cfg.Limits.IdleTimeoutSeconds <= 0 {
		cfg.Limits.IdleTimeoutSeconds = def.Limits.IdleTimeoutSeconds
	}
	if cfg.Limits.DrainTimeoutSeconds <= 0 {
		cfg.Limits.DrainTimeoutSeconds = def.Limits.DrainTimeoutSeconds
	}
	if cfg.Limits.UserInputTimeoutSeconds <= 0 {
		cfg.Limits.UserInputTimeoutSeconds = def.Limits.UserInputTimeoutSeconds
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.SampleRate <= 0 || cfg.Otel.SampleRate > 1 {
		cfg.Otel.SampleRate = 1.0
	}
}
