// Package config loads ctfops settings from a YAML file, a .env file,
// and CTFOPS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/szaher/ctfops/internal/state"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "CTFOPS_"

// Config holds the runtime settings.
type Config struct {
	Store StoreConfig `yaml:"store" envPrefix:"STORE_"`

	// Context scopes every key when a command does not pass --context.
	Context string `yaml:"context" env:"CONTEXT"`

	// CallTimeout bounds each adapter call.
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// MetricsAddr is where watch serves /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	// WatchSchedule is the cron schedule used by watch.
	WatchSchedule string `yaml:"watch_schedule" env:"WATCH_SCHEDULE"`

	Vault VaultConfig `yaml:"vault" envPrefix:"VAULT_"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// VaultConfig enables vault(path#key) credential references when
// Address is set.
type VaultConfig struct {
	Address string `yaml:"address" env:"ADDR"`
	Token   string `yaml:"token" env:"TOKEN"`
	Mount   string `yaml:"mount" env:"MOUNT"`
}

// Dir returns the default directory for config and state files.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ctfops"
	}
	return filepath.Join(home, ".ctfops")
}

// DefaultPath is the config file read when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: state.DriverSQLite,
			DSN:    filepath.Join(Dir(), "state.db"),
		},
		CallTimeout:   30 * time.Second,
		LogLevel:      "info",
		WatchSchedule: "@every 5m",
		Vault:         VaultConfig{Mount: "secret"},
	}
}

// Load builds the configuration. A missing file at path is only an
// error when required is set. envFile, when non-empty, is loaded into
// the process environment without overriding variables already set.
func Load(path string, required bool, envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case state.DriverMemory, state.DriverFile, state.DriverSQLite, state.DriverPostgres, state.DriverEtcd:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != state.DriverMemory && c.Store.DSN == "" {
		return fmt.Errorf("store %s needs a dsn", c.Store.Driver)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	if c.Vault.Address != "" && c.Vault.Token == "" {
		return fmt.Errorf("vault address set without a token")
	}
	return nil
}
