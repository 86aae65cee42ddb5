// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treykane/wstunnel-manager/internal/util"
	"gopkg.in/yaml.v3"
)

// UIConfig contains dashboard display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// SupervisorConfig tunes stop escalation and shutdown.
type SupervisorConfig struct {
	GracePeriodSeconds     int `yaml:"grace_period_seconds"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig controls the application log (not the per-run tunnel logs).
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// APIConfig controls the optional HTTP control surface in headless mode.
// An empty Listen address disables it. When Token is set every /api request
// must carry it in the X-API-Key header.
type APIConfig struct {
	Listen             string `yaml:"listen"`
	Token              string `yaml:"token,omitempty"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// Config holds application-level configuration.
type Config struct {
	UI         UIConfig         `yaml:"ui"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		UI: UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
		Supervisor: SupervisorConfig{
			GracePeriodSeconds:     int(util.DefaultGracePeriod / time.Second),
			ShutdownTimeoutSeconds: int(util.DefaultShutdownTimeout / time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
		API:     APIConfig{RateLimitPerMinute: util.DefaultAPIRateLimit},
	}
}

// GracePeriod returns the configured grace period as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Supervisor.GracePeriodSeconds) * time.Second
}

// ShutdownTimeout returns the configured shutdown budget as a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Supervisor.ShutdownTimeoutSeconds) * time.Second
}

// SlogLevel maps logging.level to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/wstunnel-manager.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, util.AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", util.AppName), nil
}

// TunnelsFilePath returns the default path of the tunnel definitions file.
func TunnelsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "tunnels.yaml"), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	if cfg.Supervisor.GracePeriodSeconds <= 0 {
		cfg.Supervisor.GracePeriodSeconds = def.Supervisor.GracePeriodSeconds
	}
	if cfg.Supervisor.ShutdownTimeoutSeconds <= 0 {
		cfg.Supervisor.ShutdownTimeoutSeconds = def.Supervisor.ShutdownTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	cfg.API.Listen = strings.TrimSpace(cfg.API.Listen)
	cfg.API.Token = strings.TrimSpace(cfg.API.Token)
	if cfg.API.RateLimitPerMinute <= 0 {
		cfg.API.RateLimitPerMinute = def.API.RateLimitPerMinute
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
