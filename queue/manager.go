package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/breaker"
	"github.com/itskum47/taskqueue/events"
	"github.com/itskum47/taskqueue/storage"
	"github.com/itskum47/taskqueue/throttle"
)

// Manager owns one Queue per resource group and routes submissions to the
// right one. It is the sole entry point the façade and the health monitor
// use to reach the L1 scheduler.
type Manager struct {
	queues map[core.ResourceGroup]*Queue
	groups []core.ResourceGroup
	log    zerolog.Logger
}

// NewManager builds a Manager with one Queue per group in cfg.Throttler,
// wired to the shared breaker/throttle/store/bus collaborators.
func NewManager(sessionID string, store storage.Store, breakers *breaker.Manager, throttler *throttle.Throttler,
	bus *events.Bus, cfg core.Config, log zerolog.Logger) *Manager {
	groups := make([]core.ResourceGroup, 0, len(cfg.Throttler))
	for g := range cfg.Throttler {
		groups = append(groups, g)
	}
	const defaultMaxRetries = 3
	queues := make(map[core.ResourceGroup]*Queue, len(groups))
	for _, g := range groups {
		queues[g] = New(g, sessionID, store, breakers, throttler, bus, cfg.TaskExecutionTimeout, cfg.MaxQueueSize, defaultMaxRetries, log)
	}
	return &Manager{queues: queues, groups: groups, log: log.With().Str("component", "queue_manager").Logger()}
}

// Run starts every group's dispatch loop; each stops when ctx is cancelled.
func (mgr *Manager) Run(ctx context.Context) {
	for _, g := range mgr.groups {
		go mgr.queues[g].Run(ctx)
	}
}

// Submit enqueues t onto its ResourceGroup's queue.
func (mgr *Manager) Submit(ctx context.Context, t *core.Task) error {
	q, ok := mgr.queues[t.ResourceGroup]
	if !ok {
		return &core.QueueError{Group: t.ResourceGroup, Err: core.ErrUnknownGroup}
	}
	return q.Enqueue(ctx, t)
}

// Readmit re-stages a task recovered from the store without re-persisting it.
func (mgr *Manager) Readmit(t *core.Task) {
	if q, ok := mgr.queues[t.ResourceGroup]; ok {
		q.readmit(t)
	}
}

// Cancel routes to the queue of the given group and looks the task id up
// only there; a task staged or running in another group is not found.
func (mgr *Manager) Cancel(ctx context.Context, group core.ResourceGroup, id string) (bool, error) {
	q, ok := mgr.queues[group]
	if !ok {
		return false, &core.QueueError{Group: group, Err: core.ErrUnknownGroup}
	}
	return q.Cancel(ctx, id)
}

func (mgr *Manager) PauseAll() {
	for _, q := range mgr.queues {
		q.Pause()
	}
}

func (mgr *Manager) ResumeAll() {
	for _, q := range mgr.queues {
		q.Resume()
	}
}

func (mgr *Manager) Pause(group core.ResourceGroup) {
	if q, ok := mgr.queues[group]; ok {
		q.Pause()
	}
}

func (mgr *Manager) Resume(group core.ResourceGroup) {
	if q, ok := mgr.queues[group]; ok {
		q.Resume()
	}
}

// Depth implements health.QueueInspector.
func (mgr *Manager) Depth(group core.ResourceGroup) int {
	if q, ok := mgr.queues[group]; ok {
		return q.Depth()
	}
	return 0
}

// LastProcessed implements health.QueueInspector.
func (mgr *Manager) LastProcessed(group core.ResourceGroup) time.Time {
	if q, ok := mgr.queues[group]; ok {
		return q.LastProcessed()
	}
	return time.Time{}
}

// Status snapshots every group's QueueStatus for the façade's GetStatus.
func (mgr *Manager) Status(breakers *breaker.Manager, throttler *throttle.Throttler) map[core.ResourceGroup]core.QueueStatus {
	out := make(map[core.ResourceGroup]core.QueueStatus, len(mgr.queues))
	for g, q := range mgr.queues {
		info := breakers.GetInfo(g)
		out[g] = core.QueueStatus{
			ResourceGroup: g,
			Paused:        q.IsPaused(),
			StagedCount:   q.Depth(),
			ThrottleLimit: throttler.CurrentLimit(g),
			BreakerState:  info.State,
			LastProcessed: q.LastProcessed(),
		}
	}
	return out
}

// ShutdownAll stops every group's dispatch loop and waits up to grace for
// in-flight operations to unwind.
func (mgr *Manager) ShutdownAll(grace time.Duration) {
	for _, q := range mgr.queues {
		q.Shutdown(grace)
	}
}
