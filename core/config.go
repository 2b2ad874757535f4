package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GroupThrottleConfig holds the adaptive throttler's bounds for one group.
type GroupThrottleConfig struct {
	Initial int `yaml:"initial"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

// CircuitBreakerConfig configures the per-group breaker.
type CircuitBreakerConfig struct {
	FailureThreshold  uint32        `yaml:"failure_threshold"`
	SuccessThreshold  uint32        `yaml:"success_threshold"`
	RecoveryTimeoutMS int           `yaml:"recovery_timeout_ms"`
	VolumeThreshold   uint32        `yaml:"volume_threshold"`
	recoveryTimeout   time.Duration // derived
}

// RetentionConfig configures how long rows survive before the janitor purges them.
type RetentionConfig struct {
	CompletedTasksDays int `yaml:"completed_tasks_days"`
	HeartbeatDays      int `yaml:"heartbeat_days"`
	MetricsDays        int `yaml:"metrics_days"`
	ErrorLogDays       int `yaml:"error_log_days"`
}

// PerformanceConfig configures store write batching.
type PerformanceConfig struct {
	BatchInsertSize      int `yaml:"batch_insert_size"`
	CheckpointIntervalMS int `yaml:"checkpoint_interval_ms"`
}

// Config enumerates every tunable the façade accepts. DefaultConfig
// returns the spec's stated defaults; LoadConfig layers a YAML file and
// then environment variables on top.
type Config struct {
	DatabasePath        string                             `yaml:"database_path"`
	MaxQueueSize         int                                `yaml:"max_queue_size"`
	HeartbeatIntervalMS  int                                `yaml:"heartbeat_interval_ms"`
	TaskExecutionTimeout time.Duration                      `yaml:"-"`
	CircuitBreaker       CircuitBreakerConfig               `yaml:"circuit_breaker"`
	Throttler            map[ResourceGroup]GroupThrottleConfig `yaml:"throttler"`
	AdjustmentFactor     float64                            `yaml:"adjustment_factor"`
	StabilityWindowMS    int                                `yaml:"stability_window_ms"`
	Retention            RetentionConfig                    `yaml:"retention"`
	Performance          PerformanceConfig                  `yaml:"performance"`
	LogLevel             string                             `yaml:"log_level"`
	SanitizeLogs         bool                                `yaml:"sanitize_logs"`
	EnableEncryption     bool                                `yaml:"enable_encryption"`
}

// DefaultConfig returns the defaults named throughout spec.md §4-§6.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DatabasePath:        home + "/.taskqueue/queue.db",
		MaxQueueSize:         100,
		HeartbeatIntervalMS:  15000,
		TaskExecutionTimeout: 5 * time.Minute,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  5,
			SuccessThreshold:  3,
			RecoveryTimeoutMS: 30000,
			VolumeThreshold:   10,
			recoveryTimeout:   30 * time.Second,
		},
		Throttler: map[ResourceGroup]GroupThrottleConfig{
			GroupFilesystem:      {Initial: 5, Min: 2, Max: 10},
			GroupNetwork:         {Initial: 10, Min: 5, Max: 20},
			GroupComputation:     {Initial: 3, Min: 1, Max: 6},
			GroupMemoryIntensive: {Initial: 2, Min: 1, Max: 4},
		},
		AdjustmentFactor:  0.3,
		StabilityWindowMS: 30000,
		Retention: RetentionConfig{
			CompletedTasksDays: 7,
			HeartbeatDays:      1,
			MetricsDays:        30,
			ErrorLogDays:       30,
		},
		Performance: PerformanceConfig{
			BatchInsertSize:      50,
			CheckpointIntervalMS: 60000,
		},
		LogLevel:         "info",
		SanitizeLogs:     true,
		EnableEncryption: false,
	}
}

// LoadConfig builds a Config from the documented defaults, an optional
// YAML file at path (skipped if empty or missing), and finally
// TASKQUEUE_-prefixed environment variable overrides, mirroring the
// env-override style used for scheduler tuning elsewhere in this family
// of services.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("taskqueue: reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("taskqueue: parsing config file: %w", err)
			}
		}
	}

	if v := os.Getenv("TASKQUEUE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("TASKQUEUE_MAX_QUEUE_SIZE"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.MaxQueueSize = n
		}
	}
	if v := os.Getenv("TASKQUEUE_HEARTBEAT_INTERVAL_MS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.HeartbeatIntervalMS = n
		}
	}
	if v := os.Getenv("TASKQUEUE_CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		var n uint32
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.CircuitBreaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("TASKQUEUE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.CircuitBreaker.recoveryTimeout = time.Duration(cfg.CircuitBreaker.RecoveryTimeoutMS) * time.Millisecond
	return cfg, nil
}

// RecoveryTimeout returns the breaker's open->half-open delay as a Duration.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	if c.recoveryTimeout == 0 {
		return time.Duration(c.RecoveryTimeoutMS) * time.Millisecond
	}
	return c.recoveryTimeout
}
