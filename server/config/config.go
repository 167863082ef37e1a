package config

import (
	"path/filepath"
	"sync"
	"time"
)

type Config struct {
	Server         ServerConfig    `yaml:"server" mapstructure:"server"`
	Scheduler      SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Logging        LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Paths          PathsConfig     `yaml:"paths" mapstructure:"paths"`
	Authentication AuthConfig      `yaml:"authentication" mapstructure:"authentication"`
	Updater        UpdaterConfig   `yaml:"updater" mapstructure:"updater"`
	path           string
}

type ServerConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Host      string `yaml:"host" mapstructure:"host"`
	Port      int    `yaml:"port" mapstructure:"port"`
	QueueSize int    `yaml:"queue_size" mapstructure:"queue_size"`
}

type SchedulerConfig struct {
	// Inactivity window after which an engine is considered unresponsive
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	GracePeriod time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	AutoArchive bool          `yaml:"auto_archive" mapstructure:"auto_archive"`
}

type LoggingConfig struct {
	LogPath           string `yaml:"log_path" mapstructure:"log_path"`
	EnableFileLogging bool   `yaml:"enable_file_logging" mapstructure:"enable_file_logging"`
	Level             string `yaml:"level" mapstructure:"level"`
}

type PathsConfig struct {
	DownloadPath      string `yaml:"download_path" mapstructure:"download_path"`
	EnginesPath       string `yaml:"engines_path" mapstructure:"engines_path"`
	BinariesPath      string `yaml:"binaries_path" mapstructure:"binaries_path"`
	ArchivePath       string `yaml:"archive_path" mapstructure:"archive_path"`
	LocalDatabasePath string `yaml:"local_database_path" mapstructure:"local_database_path"`
	SessionFilePath   string `yaml:"session_file_path" mapstructure:"session_file_path"`
}

type AuthConfig struct {
	RequireAuth bool   `yaml:"require_auth" mapstructure:"require_auth"`
	Secret      string `yaml:"secret" mapstructure:"secret"`
}

type UpdaterConfig struct {
	CheckOnStartup bool          `yaml:"check_on_startup" mapstructure:"check_on_startup"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	Parallelism    int           `yaml:"parallelism" mapstructure:"parallelism"`
}

const defaultGracePeriod = time.Second * 5

var (
	instance     *Config
	instanceOnce sync.Once
)

func Instance() *Config {
	if instance == nil {
		instanceOnce.Do(func() {
			instance = &Config{}
			instance.Server.QueueSize = 2
			instance.Scheduler.Timeout = time.Minute * 5
			instance.Scheduler.GracePeriod = defaultGracePeriod
			instance.Updater.RequestTimeout = time.Second * 30
			instance.Updater.Parallelism = 2
		})
	}
	return instance
}

// Path of the directory containing the config file
func (c *Config) Dir() string { return filepath.Dir(c.path) }

// Absolute path of the config file
func (c *Config) Path() string { return c.path }
