package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Job queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// SchedulerConfig holds configuration for the scheduler daemon and CLI.
type SchedulerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)
	RepoPath  string `yaml:"repo_path"`  // Repository holding pipelines/<uuid>/metadata.yaml

	TickInterval time.Duration `yaml:"tick_interval"` // Global tick period (default 5s)
	LockTimeout  time.Duration `yaml:"lock_timeout"`  // Distributed lock TTL (default 10s)

	QueueBackend string        `yaml:"queue_backend"` // memory or redis
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	JobTTL       time.Duration `yaml:"job_ttl"` // Liveness key TTL for redis jobs (default 30s)
	Workers      int           `yaml:"workers"` // Concurrent jobs per process (default 8)

	DefaultRetries  int     `yaml:"default_retries"`  // Repository-level block retry budget
	MemoryThreshold float64 `yaml:"memory_threshold"` // Fraction of memory that stops a run (default 0.95)
	TickParallelism int     `yaml:"tick_parallelism"` // Runs advanced concurrently per tick (default 4)

	WorkDir           string   `yaml:"work_dir"`           // Root of block work directories (default os.TempDir())
	ContainerRuntimes []string `yaml:"container_runtimes"` // Extra executors to register: docker, apptainer

	WebhookURL    string `yaml:"webhook_url"`    // Optional notification webhook
	CallbackToken string `yaml:"callback_token"` // Bearer token for executor callbacks; empty disables the check
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "text",
		RepoPath:        ".",
		TickInterval:    5 * time.Second,
		LockTimeout:     10 * time.Second,
		QueueBackend:    QueueMemory,
		RedisAddr:       "localhost:6379",
		JobTTL:          30 * time.Second,
		Workers:         8,
		MemoryThreshold: 0.95,
		TickParallelism: 4,
	}
}

// LoadFile overlays the YAML file at path onto the defaults. Keys missing
// from the file keep their default values.
func LoadFile(path string) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the scheduler cannot run with.
func (c SchedulerConfig) Validate() error {
	switch c.QueueBackend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	for _, rt := range c.ContainerRuntimes {
		if rt != "docker" && rt != "apptainer" {
			return fmt.Errorf("unknown container runtime %q", rt)
		}
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
		return fmt.Errorf("memory_threshold must be in (0, 1]")
	}
	return nil
}
