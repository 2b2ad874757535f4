// Package throttle implements the L2 AdaptiveThrottler: a per-group
// semaphore-backed concurrency cap whose size is continuously adjusted
// by a load sampler, grounded on the same gobreaker+semaphore.Weighted
// combination this family of services uses for admission control.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/metrics"
)

// Limits mirrors spec.md's ThrottleLimits: current/min/max concurrency
// for one resource group.
type Limits struct {
	Current int
	Min     int
	Max     int
}

// Sample is one load-sampler reading (spec §4.5).
type Sample struct {
	CPUFraction    float64
	MemoryFraction float64
	Backlog        int
}

// LoadSource supplies the raw signals the sampler reads every tick. The
// façade wires BacklogFn to each group's staging-buffer depth; any
// function left unset reads as 0.
type LoadSource struct {
	CPUFractionFn    func() float64
	MemoryFractionFn func() float64
	BacklogFn        func(core.ResourceGroup) int
}

// Throttler gates dispatch on a semaphore per group and periodically
// resizes that semaphore based on sampled load.
type Throttler struct {
	mu      sync.RWMutex
	limits  map[core.ResourceGroup]*Limits
	sems    map[core.ResourceGroup]*semaphore.Weighted
	samples map[core.ResourceGroup]Sample
	source  LoadSource
	factor  float64
	log     zerolog.Logger
}

func New(cfg map[core.ResourceGroup]core.GroupThrottleConfig, adjustmentFactor float64, source LoadSource, log zerolog.Logger) *Throttler {
	t := &Throttler{
		limits:  make(map[core.ResourceGroup]*Limits, len(cfg)),
		sems:    make(map[core.ResourceGroup]*semaphore.Weighted, len(cfg)),
		samples: make(map[core.ResourceGroup]Sample, len(cfg)),
		source:  source,
		factor:  adjustmentFactor,
		log:     log.With().Str("component", "throttle").Logger(),
	}
	for g, c := range cfg {
		t.limits[g] = &Limits{Current: c.Initial, Min: c.Min, Max: c.Max}
		t.sems[g] = semaphore.NewWeighted(int64(c.Initial))
		metrics.ThrottleLimit.WithLabelValues(string(g)).Set(float64(c.Initial))
	}
	return t
}

// Acquire blocks until a permit for group is available or ctx is done.
// On timeout it returns a *core.ThrottleError.
func (t *Throttler) Acquire(ctx context.Context, group core.ResourceGroup) error {
	t.mu.RLock()
	sem := t.sems[group]
	limit := t.limits[group].Current
	t.mu.RUnlock()
	if sem == nil {
		return &core.ThrottleError{Group: group, CurrentLimit: 0}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return &core.ThrottleError{Group: group, CurrentLimit: limit}
	}
	metrics.ActiveTasks.WithLabelValues(string(group)).Inc()
	return nil
}

// Release returns a permit for group.
func (t *Throttler) Release(group core.ResourceGroup) {
	t.mu.RLock()
	sem := t.sems[group]
	t.mu.RUnlock()
	if sem != nil {
		sem.Release(1)
		metrics.ActiveTasks.WithLabelValues(string(group)).Dec()
	}
}

// CurrentLimit returns a group's current concurrency cap.
func (t *Throttler) CurrentLimit(group core.ResourceGroup) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.limits[group]; ok {
		return l.Current
	}
	return 0
}

// StartBackgroundLoops launches the load sampler (every 10s) and the
// adjuster (every 30s), both stopping when ctx is cancelled.
func (t *Throttler) StartBackgroundLoops(ctx context.Context) {
	go t.sampleLoop(ctx, 10*time.Second)
	go t.adjustLoop(ctx, 30*time.Second)
}

func (t *Throttler) sampleLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sampleOnce()
		}
	}
}

func (t *Throttler) sampleOnce() {
	cpu := 0.0
	if t.source.CPUFractionFn != nil {
		cpu = t.source.CPUFractionFn()
	}
	mem := 0.0
	if t.source.MemoryFractionFn != nil {
		mem = t.source.MemoryFractionFn()
	}
	t.mu.Lock()
	for g := range t.limits {
		backlog := 0
		if t.source.BacklogFn != nil {
			backlog = t.source.BacklogFn(g)
		}
		t.samples[g] = Sample{CPUFraction: cpu, MemoryFraction: mem, Backlog: backlog}
	}
	t.mu.Unlock()
}

func (t *Throttler) adjustLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.adjustOnce()
		}
	}
}

// adjustOnce recomputes each group's current limit per spec §4.5 and
// reconciles the semaphore to the new size without disturbing in-flight
// permits: it issues additional permits by releasing the delta, or
// absorbs capacity by acquiring the delta in the background so future
// Acquire calls see the smaller cap.
func (t *Throttler) adjustOnce() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for g, limits := range t.limits {
		sample := t.samples[g]
		loadFactor := math.Max(sample.CPUFraction, sample.MemoryFraction)
		backlogFactor := math.Min(float64(sample.Backlog)/100.0, 1.0)
		adjustment := 1 - (t.factor*loadFactor + 0.2*backlogFactor)
		newCurrent := clamp(int(math.Round(float64(limits.Current)*adjustment)), limits.Min, limits.Max)

		if newCurrent == limits.Current {
			continue
		}
		delta := newCurrent - limits.Current
		sem := t.sems[g]
		if delta > 0 {
			sem.Release(int64(delta))
		} else {
			// Absorb capacity: acquire the delta permits in the background
			// so slots free up gradually as in-flight work completes,
			// never blocking the adjuster itself.
			go func(sem *semaphore.Weighted, n int64) {
				_ = sem.Acquire(context.Background(), n)
			}(sem, int64(-delta))
		}
		limits.Current = newCurrent
		metrics.ThrottleLimit.WithLabelValues(string(g)).Set(float64(newCurrent))
		t.log.Debug().Str("resource_group", string(g)).Int("new_limit", newCurrent).
			Float64("load_factor", loadFactor).Float64("backlog_factor", backlogFactor).Msg("throttle adjusted")
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
