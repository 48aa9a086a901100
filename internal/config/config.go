// Package config loads StudySync runtime configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/studysync/backend/internal/logging"
)

// Config is the top-level runtime configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Queue        QueueConfig        `yaml:"queue"`
	Server       ServerConfig       `yaml:"server"`
}

// RemoteConfig describes the hosted document store.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit caps remote requests per second during drains; 0 is unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// ConnectivityConfig controls the connectivity monitor. An empty ProbeURL
// disables the reachability probe and the monitor follows the manual signal.
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// SchedulerConfig controls background drains.
type SchedulerConfig struct {
	DrainInterval time.Duration   `yaml:"drain_interval"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	AutoRetry     AutoRetryConfig `yaml:"auto_retry"`
}

// AutoRetryConfig enables exponential-backoff requeueing of failed operations.
type AutoRetryConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxRetries int  `yaml:"max_retries"`
}

// QueueConfig bounds the sync queue.
type QueueConfig struct {
	MaxSize int `yaml:"max_size"`
}

// ServerConfig configures the desktop API server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8091",
			Timeout: 10 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DrainInterval: 5 * time.Minute,
			SweepInterval: 15 * time.Minute,
			AutoRetry: AutoRetryConfig{
				MaxRetries: 5,
			},
		},
		Queue: QueueConfig{
			MaxSize: 10000,
		},
		Server: ServerConfig{
			Addr: "localhost:8090",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// STUDYSYNC_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// if the file exists. Variables already set are left alone.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("STUDYSYNC_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := lookup("STUDYSYNC_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("STUDYSYNC_REMOTE_URL"); ok {
		c.Remote.BaseURL = v
	}
	if v, ok := lookup("STUDYSYNC_PROBE_URL"); ok {
		c.Connectivity.ProbeURL = v
	}
	if v, ok := lookup("STUDYSYNC_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := lookup("STUDYSYNC_DRAIN_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STUDYSYNC_DRAIN_INTERVAL: %w", err)
		}
		c.Scheduler.DrainInterval = d
	}
	if v, ok := lookup("STUDYSYNC_AUTO_RETRY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STUDYSYNC_AUTO_RETRY: %w", err)
		}
		c.Scheduler.AutoRetry.Enabled = b
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("remote.rate_limit must not be negative")
	}
	if c.Connectivity.ProbeURL != "" && (c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0) {
		return fmt.Errorf("connectivity probe interval and timeout must be positive")
	}
	if c.Scheduler.DrainInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Scheduler.AutoRetry.Enabled && c.Scheduler.AutoRetry.MaxRetries <= 0 {
		return fmt.Errorf("scheduler.auto_retry.max_retries must be positive when enabled")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive")
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() logging.LogLevel {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}
