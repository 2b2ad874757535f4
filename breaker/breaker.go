// Package breaker implements the L2 CircuitBreaker: one finite-state
// machine per resource group, built on sony/gobreaker's two-step gate so
// the dispatch loop can acquire permission then report the outcome once
// the task's operation has actually run (spec §4.4).
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/metrics"
)

// Info is a point-in-time snapshot of one group's breaker, used by
// GetInfo and by the health monitor's remediation pass.
type Info struct {
	Group           core.ResourceGroup
	State           string
	FailureCount    uint32
	SuccessCount    uint32
	TotalFailures   uint32
	TotalSuccesses  uint32
	FailureRate     float64
	StateChangedAt  time.Time
}

// Manager owns one gobreaker.TwoStepCircuitBreaker per resource group.
type Manager struct {
	breakers map[core.ResourceGroup]*gobreaker.TwoStepCircuitBreaker
	changed  map[core.ResourceGroup]time.Time
	log      zerolog.Logger
}

func New(cfg core.CircuitBreakerConfig, log zerolog.Logger, groups []core.ResourceGroup) *Manager {
	m := &Manager{
		breakers: make(map[core.ResourceGroup]*gobreaker.TwoStepCircuitBreaker, len(groups)),
		changed:  make(map[core.ResourceGroup]time.Time, len(groups)),
		log:      log.With().Str("component", "breaker").Logger(),
	}
	for _, g := range groups {
		m.breakers[g] = m.newBreakerFor(g, cfg)
		m.changed[g] = time.Now()
	}
	return m
}

func (m *Manager) newBreakerFor(group core.ResourceGroup, cfg core.CircuitBreakerConfig) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        string(group),
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip on consecutive failures alone (spec §4.4: closed -> open
			// when failure_count >= failure_threshold). VolumeThreshold is
			// not a gate here: at the documented defaults
			// (FailureThreshold=5, VolumeThreshold=10) AND-ing the two would
			// let 5 consecutive failures through un-tripped until a 10th
			// request ever arrived.
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g := core.ResourceGroup(name)
			m.changed[g] = time.Now()
			metrics.CircuitState.WithLabelValues(name).Set(stateValue(to))
			m.log.Info().Str("resource_group", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// Allow gates one dispatch attempt. If the breaker refuses (open, or
// half-open test slots exhausted), ok is false and the caller should
// transition the task to failed with CircuitBreakerError without ever
// invoking its operation. Otherwise done must be called exactly once
// with the outcome of the attempt.
func (m *Manager) Allow(group core.ResourceGroup) (done func(success bool), ok bool) {
	cb, present := m.breakers[group]
	if !present {
		return nil, false
	}
	d, err := cb.Allow()
	if err != nil {
		return nil, false
	}
	return d, true
}

// GetInfo returns a snapshot of one group's breaker for diagnostics.
func (m *Manager) GetInfo(group core.ResourceGroup) Info {
	cb, present := m.breakers[group]
	if !present {
		return Info{Group: group, State: "unknown"}
	}
	counts := cb.Counts()
	var rate float64
	if counts.Requests > 0 {
		rate = float64(counts.TotalFailures) / float64(counts.Requests)
	}
	return Info{
		Group:          group,
		State:          cb.State().String(),
		FailureCount:   counts.ConsecutiveFailures,
		SuccessCount:   counts.ConsecutiveSuccesses,
		TotalFailures:  counts.TotalFailures,
		TotalSuccesses: counts.TotalSuccesses,
		FailureRate:    rate,
		StateChangedAt: m.changed[group],
	}
}

// IsOpen reports whether a group's breaker currently rejects dispatch.
func (m *Manager) IsOpen(group core.ResourceGroup) bool {
	cb, present := m.breakers[group]
	if !present {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}

// ForceClose resets a stuck-open breaker back to closed. Used by the
// health monitor's remediation pass when load has returned to normal
// (spec §4.6).
func (m *Manager) ForceClose(group core.ResourceGroup, cfg core.CircuitBreakerConfig) {
	m.breakers[group] = m.newBreakerFor(group, cfg)
	m.changed[group] = time.Now()
	metrics.CircuitState.WithLabelValues(string(group)).Set(0)
	m.log.Warn().Str("resource_group", string(group)).Msg("circuit breaker force-closed by health monitor")
}

// ResetStats rebuilds a group's breaker from scratch, clearing all
// counters. It performs the same rebuild as ForceClose.
func (m *Manager) ResetStats(group core.ResourceGroup, cfg core.CircuitBreakerConfig) {
	m.ForceClose(group, cfg)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
