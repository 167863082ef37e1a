package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the yaml file at path (if present) on top of the defaults and
// the APP_ prefixed environment, then stores the result in the singleton.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3033)
	v.SetDefault("server.queue_size", 2)
	v.SetDefault("scheduler.timeout", "5m")
	v.SetDefault("scheduler.grace_period", "5s")
	v.SetDefault("scheduler.auto_archive", true)
	v.SetDefault("paths.download_path", ".")
	v.SetDefault("paths.engines_path", "./engines")
	v.SetDefault("paths.binaries_path", "./bin")
	v.SetDefault("paths.archive_path", "./archive.txt")
	v.SetDefault("paths.local_database_path", ".")
	v.SetDefault("paths.session_file_path", ".")
	v.SetDefault("logging.log_path", "engine-dispatch.log")
	v.SetDefault("logging.enable_file_logging", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("authentication.require_auth", false)
	v.SetDefault("updater.check_on_startup", false)
	v.SetDefault("updater.request_timeout", "30s")
	v.SetDefault("updater.parallelism", 2)

	// Env binding
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		slog.Debug("using defaults", slog.String("path", path), slog.Any("err", err))
	}

	cfg := Instance()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		cfg.path = abs
	} else {
		cfg.path = path
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = 2
	}

	// a single core machine gets a single worker
	if runtime.NumCPU() < 2 {
		c.Server.QueueSize = 1
	}

	if c.Scheduler.Timeout <= 0 {
		return errors.New("scheduler.timeout must be a positive duration")
	}

	if c.Scheduler.GracePeriod <= 0 {
		c.Scheduler.GracePeriod = defaultGracePeriod
	}

	if c.Updater.Parallelism <= 0 {
		c.Updater.Parallelism = 1
	}

	if c.Authentication.RequireAuth && c.Authentication.Secret == "" {
		return errors.New("authentication.secret is required when require_auth is set")
	}

	return nil
}
