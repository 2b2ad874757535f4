package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/breaker"
	"github.com/itskum47/taskqueue/events"
	"github.com/itskum47/taskqueue/metrics"
	"github.com/itskum47/taskqueue/storage"
	"github.com/itskum47/taskqueue/throttle"
)

// QueueInspector is the subset of queue.Manager the health monitor needs:
// per-group staged depth and last-processed time, kept as an
// interface so this package never imports queue (queue already imports
// breaker/throttle/events/storage that health also uses).
type QueueInspector interface {
	Depth(group core.ResourceGroup) int
	LastProcessed(group core.ResourceGroup) time.Time
}

// DatabaseHealth reports store connectivity.
type DatabaseHealth struct {
	Connected      bool
	SchemaValid    bool
	ResponseTimeMS int64
}

// QueueHealth reports scheduler backlog and staleness.
type QueueHealth struct {
	PendingCount        int
	RunningCount        int
	StuckTasksCount     int
	AvgProcessingTimeMS float64
}

// MemoryHealth reports process memory with spec-defined thresholds.
type MemoryHealth struct {
	RSSKB       int64
	HeapUsedKB  int64
	HeapTotalKB int64
	ExternalKB  int64
	HighRSS     bool // > 500 MB
	HighHeap    bool // > 400 MB
	HighExternal bool // > 100 MB
}

// HealthMetrics is the parallel-collected snapshot from spec §4.6 step 1.
type HealthMetrics struct {
	Database       DatabaseHealth
	Queue          QueueHealth
	CircuitBreaker map[core.ResourceGroup]string
	CPUFraction    float64
	MemoryFraction float64
	Memory         MemoryHealth
	Timestamp      time.Time
}

// HeartbeatState is the monitor's persisted self-assessment.
type HeartbeatState struct {
	LastHeartbeat       time.Time
	ConsecutiveFailures int
	IsHealthy           bool
	UptimeStart         time.Time
}

// StabilityMonitor runs the periodic health loop, computes is_healthy,
// and drives remediation (spec §4.6).
type StabilityMonitor struct {
	store     storage.Store
	breakers  *breaker.Manager
	throttler *throttle.Throttler
	queues    QueueInspector
	degraded  *DegradedMode
	bus       *events.Bus
	log       zerolog.Logger
	cfg       core.CircuitBreakerConfig
	groups    []core.ResourceGroup

	mu    sync.RWMutex
	state HeartbeatState
}

func NewStabilityMonitor(store storage.Store, breakers *breaker.Manager, throttler *throttle.Throttler,
	queues QueueInspector, degraded *DegradedMode, bus *events.Bus, cfg core.CircuitBreakerConfig,
	groups []core.ResourceGroup, log zerolog.Logger) *StabilityMonitor {
	return &StabilityMonitor{
		store: store, breakers: breakers, throttler: throttler, queues: queues, degraded: degraded,
		bus: bus, log: log.With().Str("component", "stability_monitor").Logger(), cfg: cfg, groups: groups,
		state: HeartbeatState{UptimeStart: time.Now()},
	}
}

// Start launches the health loop (every interval) until ctx is cancelled.
func (m *StabilityMonitor) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PerformHealthCheck(ctx)
			}
		}
	}()
}

// PerformHealthCheck collects HealthMetrics, computes is_healthy, updates
// heartbeat state, and runs remediation when unhealthy (spec §4.6).
func (m *StabilityMonitor) PerformHealthCheck(ctx context.Context) (HealthMetrics, bool) {
	hm := m.collect(ctx)
	healthy := m.isHealthy(hm)

	m.mu.Lock()
	m.state.LastHeartbeat = time.Now()
	m.state.IsHealthy = healthy
	if healthy {
		m.state.ConsecutiveFailures = 0
	} else {
		m.state.ConsecutiveFailures++
	}
	m.mu.Unlock()

	if healthy {
		metrics.HeartbeatHealthy.Set(1)
	} else {
		metrics.HeartbeatHealthy.Set(0)
		m.remediate(ctx, hm)
	}
	return hm, healthy
}

// collect gathers the six health signals from spec §4.6 step 1 "in
// parallel": database, queue/breaker, and memory each touch disjoint
// fields of hm, so an errgroup fans them out instead of collecting
// sequentially (grounded on the teacher's use of golang.org/x/sync
// alongside gobreaker/semaphore for this kind of fan-out).
func (m *StabilityMonitor) collect(ctx context.Context) HealthMetrics {
	hm := HealthMetrics{Timestamp: time.Now(), CircuitBreaker: make(map[core.ResourceGroup]string)}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := time.Now()
		_, err := m.store.GetCurrentSession(gctx)
		hm.Database.ResponseTimeMS = time.Since(start).Milliseconds()
		hm.Database.Connected = err == nil
		hm.Database.SchemaValid = err == nil
		if hm.Database.Connected {
			m.degraded.MarkDBAvailable()
		} else {
			m.degraded.MarkDBUnavailable()
		}
		return nil
	})

	g.Go(func() error {
		stuck, _ := m.store.CountRunningOlderThan(gctx, time.Now().Add(-5*time.Minute))
		hm.Queue.StuckTasksCount = stuck
		metrics.StuckTasks.Set(float64(stuck))
		for _, grp := range m.groups {
			hm.Queue.PendingCount += m.queues.Depth(grp)
			hm.CircuitBreaker[grp] = m.breakers.GetInfo(grp).State
		}
		return nil
	})

	g.Go(func() error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		hm.Memory.RSSKB = int64(ms.Sys / 1024)
		hm.Memory.HeapUsedKB = int64(ms.HeapAlloc / 1024)
		hm.Memory.HeapTotalKB = int64(ms.HeapSys / 1024)
		hm.Memory.ExternalKB = int64(ms.StackSys / 1024)
		hm.Memory.HighRSS = hm.Memory.RSSKB > 500*1024
		hm.Memory.HighHeap = hm.Memory.HeapUsedKB > 400*1024
		hm.Memory.HighExternal = hm.Memory.ExternalKB > 100*1024
		hm.MemoryFraction = float64(ms.HeapAlloc) / float64(ms.HeapSys+1)
		hm.CPUFraction = float64(runtime.NumGoroutine()) / 1000.0 // coarse proxy; no cgroup access in-process
		return nil
	})

	_ = g.Wait() // each goroutine above is infallible; Wait only for completion

	return hm
}

// isHealthy implements spec §4.6 step 2: at least 70% of the checks must hold.
func (m *StabilityMonitor) isHealthy(hm HealthMetrics) bool {
	checks := []bool{
		hm.Database.Connected,
		hm.Queue.StuckTasksCount == 0,
		!anyOpen(hm.CircuitBreaker),
		hm.CPUFraction < 0.9,
		hm.MemoryFraction < 0.9,
		!hm.Memory.HighHeap,
	}
	ok := 0
	for _, c := range checks {
		if c {
			ok++
		}
	}
	return float64(ok)/float64(len(checks)) >= 0.7
}

func anyOpen(states map[core.ResourceGroup]string) bool {
	for _, s := range states {
		if s == "open" {
			return true
		}
	}
	return false
}

// remediate implements spec §4.6 step 4's automatic remediation actions.
func (m *StabilityMonitor) remediate(ctx context.Context, hm HealthMetrics) {
	if !hm.Database.Connected {
		metrics.RemediationActions.WithLabelValues("db_reconnect").Inc()
		m.bus.Publish(events.RemediationFired, events.RemediationEvent{Action: "db_reconnect", Reason: "database unreachable"})
	}

	if hm.Queue.StuckTasksCount > 0 {
		n, err := m.store.MarkStuckFailed(ctx, time.Now().Add(-5*time.Minute), "stuck")
		if err != nil {
			m.log.Error().Err(err).Msg("stuck-task sweep failed")
		} else if n > 0 {
			metrics.RemediationActions.WithLabelValues("stuck_sweep").Inc()
			m.log.Warn().Int("count", n).Msg("swept stuck tasks to failed")
			m.bus.Publish(events.RemediationFired, events.RemediationEvent{Action: "stuck_sweep", Reason: "tasks running past age threshold"})
		}
	}

	normalLoad := hm.CPUFraction < 0.5 && hm.MemoryFraction < 0.7 && hm.Database.Connected
	if normalLoad {
		for g, state := range hm.CircuitBreaker {
			if state == "open" {
				m.breakers.ForceClose(g, m.cfg)
				metrics.RemediationActions.WithLabelValues("breaker_force_close").Inc()
				m.bus.Publish(events.RemediationFired, events.RemediationEvent{Action: "breaker_force_close", Reason: string(g)})
			}
		}
	}

	if hm.Memory.HighHeap {
		runtime.GC()
		metrics.RemediationActions.WithLabelValues("gc_hint").Inc()
	}
	// High CPU/memory without a heap threshold breach: rely on the
	// throttler's own adjuster to shrink concurrency limits next tick.
}

// GetHeartbeat returns the current self-assessment.
func (m *StabilityMonitor) GetHeartbeat() HeartbeatState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
