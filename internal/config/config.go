// Package config loads daemon and CLI configuration from a YAML file,
// environment variables, and defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved configuration for one digifarm workspace.
type Config struct {
	// Remote is the data API the engine syncs against.
	Remote struct {
		URL     string        `mapstructure:"url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"remote"`

	// DB holds the local mirror location.
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`

	// Sync tunes the queue drain.
	Sync struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffMax  time.Duration `mapstructure:"backoff_max"`
		Debounce    time.Duration `mapstructure:"debounce"`
		FullFetch   bool          `mapstructure:"full_fetch"`
	} `mapstructure:"sync"`

	// Realtime configures the change feed subscription.
	Realtime struct {
		URL           string        `mapstructure:"url"`
		ReconnectBase time.Duration `mapstructure:"reconnect_base"`
		ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
	} `mapstructure:"realtime"`

	// Dashboard configures the local status server.
	Dashboard struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"dashboard"`

	// Log configures the rotating log file. Empty path disables file
	// logging.
	Log struct {
		Path       string `mapstructure:"path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".digifarm"
	}
	return filepath.Join(home, ".digifarm")
}

// Load reads configuration from path (a YAML file), falling back to
// <DefaultDir>/config.yaml when path is empty. A missing file is not an
// error; defaults and DIGIFARM_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultDir())
	}

	v.SetEnvPrefix("DIGIFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a natural default still need registering so that
	// AutomaticEnv consults the environment for them at Unmarshal time.
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("realtime.url", "")

	v.SetDefault("db.path", filepath.Join(DefaultDir(), "digifarm.db"))

	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.full_fetch", true)

	v.SetDefault("realtime.reconnect_base", time.Second)
	v.SetDefault("realtime.reconnect_max", time.Minute)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8424)

	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}
