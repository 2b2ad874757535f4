package taskqueue

import "github.com/itskum47/taskqueue/core"

// Aliased from core for the same reason as types.go.

type (
	GroupThrottleConfig  = core.GroupThrottleConfig
	CircuitBreakerConfig = core.CircuitBreakerConfig
	RetentionConfig      = core.RetentionConfig
	PerformanceConfig    = core.PerformanceConfig
	Config               = core.Config
)

// DefaultConfig returns the defaults named throughout spec.md §4-§6.
func DefaultConfig() Config { return core.DefaultConfig() }

// LoadConfig builds a Config from documented defaults, an optional YAML
// file, and TASKQUEUE_-prefixed environment variable overrides.
func LoadConfig(path string) (Config, error) { return core.LoadConfig(path) }
