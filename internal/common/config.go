package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Queue       QueueConfig   `toml:"queue"`
	Workers     WorkersConfig `toml:"workers"`
	Janitor     JanitorConfig `toml:"janitor"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g. "250ms" - how often consumers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - message lease before redelivery
	JobsMaxReceive    int    `toml:"jobs_max_receive"`   // Max receives on the jobs queue before dead-letter
	// Task queues pin max receive to 1: retries are governed by the core
	// against persistent task state, never by broker redelivery.
}

type WorkersConfig struct {
	JobsConcurrency  int    `toml:"jobs_concurrency"`  // Consumers on the jobs queue
	TasksConcurrency int    `toml:"tasks_concurrency"` // Consumers per task queue
	HandlerTimeout   string `toml:"handler_timeout"`   // Wall-clock limit per handler invocation
	HeartbeatInterval string `toml:"heartbeat_interval"` // Must stay under half the visibility timeout
	MaxTaskRetries   int    `toml:"max_task_retries"`  // Global default, overridable per JobSpec
	PublishRate      int    `toml:"publish_rate"`      // Max task batch publishes per second during fan-out
}

type JanitorConfig struct {
	Schedule             string `toml:"schedule"`               // Cron schedule for recovery sweeps
	TaskHeartbeatTimeout string `toml:"task_heartbeat_timeout"` // PROCESSING tasks staler than this are reclaimed
	JobStallTimeout      string `toml:"job_stall_timeout"`      // PROCESSING jobs idle longer than this are repaired
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8190},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/tessera"},
		},
		Queue: QueueConfig{
			PollInterval:      "250ms",
			VisibilityTimeout: "5m",
			JobsMaxReceive:    5,
		},
		Workers: WorkersConfig{
			JobsConcurrency:   2,
			TasksConcurrency:  8,
			HandlerTimeout:    "10m",
			HeartbeatInterval: "30s",
			MaxTaskRetries:    3,
			PublishRate:       20,
		},
		Janitor: JanitorConfig{
			Schedule:             "*/1 * * * *",
			TaskHeartbeatTimeout: "2m",
			JobStallTimeout:      "10m",
		},
		Logging: LoggingConfig{Level: "info", Output: []string{"stdout"}},
	}
}

// LoadConfig reads configuration from a TOML file, falling back to defaults
// when the path is empty or missing, then applies TESSERA_* env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TESSERA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TESSERA_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("TESSERA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TESSERA_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
}

// Validate checks cross-field constraints that would otherwise surface as
// runtime stalls (e.g. heartbeat interval not under the lease).
func (c *Config) Validate() error {
	hb, err := c.HeartbeatInterval()
	if err != nil {
		return err
	}
	vt, err := c.VisibilityTimeout()
	if err != nil {
		return err
	}
	if hb*2 > vt {
		return fmt.Errorf("heartbeat_interval %s must be less than half the visibility_timeout %s", hb, vt)
	}
	if c.Workers.TasksConcurrency < 1 || c.Workers.JobsConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	return nil
}

func (c *Config) parseDuration(value, field string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}

func (c *Config) PollInterval() (time.Duration, error) {
	return c.parseDuration(c.Queue.PollInterval, "poll_interval", 250*time.Millisecond)
}

func (c *Config) VisibilityTimeout() (time.Duration, error) {
	return c.parseDuration(c.Queue.VisibilityTimeout, "visibility_timeout", 5*time.Minute)
}

func (c *Config) HandlerTimeout() (time.Duration, error) {
	return c.parseDuration(c.Workers.HandlerTimeout, "handler_timeout", 10*time.Minute)
}

func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return c.parseDuration(c.Workers.HeartbeatInterval, "heartbeat_interval", 30*time.Second)
}

func (c *Config) TaskHeartbeatTimeout() (time.Duration, error) {
	return c.parseDuration(c.Janitor.TaskHeartbeatTimeout, "task_heartbeat_timeout", 2*time.Minute)
}

func (c *Config) JobStallTimeout() (time.Duration, error) {
	return c.parseDuration(c.Janitor.JobStallTimeout, "job_stall_timeout", 10*time.Minute)
}
