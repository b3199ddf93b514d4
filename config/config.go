// Package config loads and validates engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Runs      RunsConfig      `yaml:"runs"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// DatabaseConfig selects the persistence backend. Driver "memory" keeps
// everything in process; sqlite, postgres, and mysql persist through GORM.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RunsConfig sizes the background execution pool.
type RunsConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// TasksConfig bounds task graph concurrency.
type TasksConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ApprovalsConfig controls approval expiry. A zero TTL disables the sweeper.
type ApprovalsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SchedulerConfig tunes the cron poll loop.
type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

// DefaultConfig returns a runnable in-memory configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Runs: RunsConfig{
			MaxWorkers: 32,
			QueueSize:  256,
		},
		Tasks: TasksConfig{
			MaxConcurrent: 4,
		},
		Approvals: ApprovalsConfig{
			TTL:           0,
			SweepInterval: time.Minute,
		},
		Scheduler: SchedulerConfig{
			PollInterval:  10 * time.Second,
			LeaseDuration: time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", c.Log.Format)
	}

	if c.Runs.MaxWorkers < 0 || c.Runs.QueueSize < 0 {
		return fmt.Errorf("runs pool sizes cannot be negative")
	}
	if c.Tasks.MaxConcurrent < 0 {
		return fmt.Errorf("tasks max_concurrent cannot be negative")
	}
	if c.Approvals.TTL < 0 {
		return fmt.Errorf("approvals ttl cannot be negative")
	}
	if c.Approvals.TTL > 0 && c.Approvals.SweepInterval <= 0 {
		return fmt.Errorf("approvals ttl requires a positive sweep_interval")
	}
	if c.Scheduler.PollInterval < 0 || c.Scheduler.LeaseDuration < 0 {
		return fmt.Errorf("scheduler intervals cannot be negative")
	}
	return nil
}
