// Package queue implements the L1 InternalQueue: one staging buffer,
// worker pool, and dispatch loop per resource group, grounded on the
// priority-queue worker loop this family of services runs for
// reconciliation tasks (container/heap + a ticking dispatch goroutine).
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/breaker"
	"github.com/itskum47/taskqueue/events"
	"github.com/itskum47/taskqueue/metrics"
	"github.com/itskum47/taskqueue/storage"
	"github.com/itskum47/taskqueue/throttle"
)

// Decision is a structured log record of one scheduling action, richer
// than the bare status transitions spec.md names but consistent with
// them (SPEC_FULL.md "Structured scheduling-decision log records").
type Decision struct {
	ResourceGroup string `json:"resource_group"`
	Decision      string `json:"decision"` // dispatch, retry, breaker_reject, throttle_timeout, pause_skip
	TaskID        string `json:"task_id"`
	Priority      int    `json:"priority,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Queue is one resource group's staging buffer + dispatch loop.
type Queue struct {
	group     core.ResourceGroup
	sessionID string
	store     storage.Store
	breakers  *breaker.Manager
	throttler *throttle.Throttler
	bus       *events.Bus
	log       zerolog.Logger

	execTimeout time.Duration
	maxRetries  int

	buffer   *stagingBuffer
	capacity *semaphore.Weighted

	mu            sync.Mutex
	paused        bool
	lastProcessed time.Time
	shuttingDown  bool

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Queue for one resource group. Call Run to start its
// dispatch loop.
func New(group core.ResourceGroup, sessionID string, store storage.Store, breakers *breaker.Manager,
	throttler *throttle.Throttler, bus *events.Bus, execTimeout time.Duration, maxQueueSize, maxRetries int, log zerolog.Logger) *Queue {
	return &Queue{
		group:       group,
		sessionID:   sessionID,
		store:       store,
		breakers:    breakers,
		throttler:   throttler,
		bus:         bus,
		log:         log.With().Str("component", "queue").Str("resource_group", string(group)).Logger(),
		execTimeout: execTimeout,
		maxRetries:  maxRetries,
		buffer:      newStagingBuffer(maxQueueSize),
		capacity:    semaphore.NewWeighted(int64(maxQueueSize)),
		running:     make(map[string]context.CancelFunc),
	}
}

// Enqueue persists the task as pending then stages it for dispatch. It
// suspends on backpressure if the staging buffer is already full — a
// deliberate flow-control signal, never an error (spec §4.3).
func (q *Queue) Enqueue(ctx context.Context, t *core.Task) error {
	q.mu.Lock()
	down := q.shuttingDown
	q.mu.Unlock()
	if down {
		return &core.QueueError{Group: q.group, Err: core.ErrShuttingDown}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if err := q.store.PersistTask(ctx, toPersisted(t, q.sessionID, core.StatusPending)); err != nil {
		return err
	}
	if err := q.capacity.Acquire(ctx, 1); err != nil {
		return &core.QueueError{Group: q.group, Err: err}
	}
	q.buffer.push(t)
	metrics.QueueDepth.WithLabelValues(string(q.group)).Set(float64(q.buffer.len()))
	return nil
}

// readmit re-stages a task recovered from the store (load_pending_tasks
// order) without re-persisting it, and without consuming extra staging
// capacity beyond what recovery already implies.
func (q *Queue) readmit(t *core.Task) {
	_ = q.capacity.Acquire(context.Background(), 1)
	q.buffer.push(t)
}

// Pause/Resume are per-group toggles; they never drop staged tasks.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) Depth() int { return q.buffer.len() }

func (q *Queue) LastProcessed() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessed
}

// Cancel interrupts a running task's operation, or removes it from the
// staging buffer if it has not yet been dispatched. Returns whether a
// running task was interrupted.
func (q *Queue) Cancel(ctx context.Context, id string) (interrupted bool, err error) {
	q.runningMu.Lock()
	cancel, isRunning := q.running[id]
	q.runningMu.Unlock()

	if isRunning {
		cancel()
		if uerr := q.store.UpdateTaskStatus(ctx, id, core.StatusCancelled, nil); uerr != nil {
			return true, uerr
		}
		return true, nil
	}

	if q.buffer.remove(id) {
		q.capacity.Release(1)
		if uerr := q.store.UpdateTaskStatus(ctx, id, core.StatusCancelled, nil); uerr != nil {
			return false, uerr
		}
	}
	return false, nil
}

// Run is the per-group dispatch loop (spec §4.3 steps 1-8). It runs for
// the session lifetime and returns once Shutdown has been called or ctx
// is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		q.mu.Lock()
		down := q.shuttingDown
		q.mu.Unlock()
		if down {
			return
		}

		if q.IsPaused() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.buffer.notify:
		case <-time.After(200 * time.Millisecond):
		}

		for {
			t := q.buffer.pop()
			if t == nil {
				break
			}
			if q.IsPaused() {
				// Re-stage the task we just popped if pause flipped mid-drain.
				q.buffer.push(t)
				q.logDecision(Decision{Decision: "pause_skip", TaskID: t.ID, Priority: t.Priority})
				metrics.TasksDispatched.WithLabelValues(string(q.group), "pause_skip").Inc()
				break
			}
			q.capacity.Release(1)
			metrics.QueueDepth.WithLabelValues(string(q.group)).Set(float64(q.buffer.len()))
			metrics.AdmissionWaitSeconds.WithLabelValues(string(q.group)).Observe(time.Since(t.CreatedAt).Seconds())
			q.dispatch(ctx, t)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, t *core.Task) {
	if err := q.throttler.Acquire(ctx, q.group); err != nil {
		q.logDecision(Decision{Decision: "throttle_timeout", TaskID: t.ID, Priority: t.Priority})
		metrics.TasksDispatched.WithLabelValues(string(q.group), "throttle_timeout").Inc()
		q.finishTransient(ctx, t, err)
		return
	}

	done, ok := q.breakers.Allow(q.group)
	if !ok {
		q.throttler.Release(q.group)
		q.logDecision(Decision{Decision: "breaker_reject", TaskID: t.ID, Priority: t.Priority})
		metrics.TasksDispatched.WithLabelValues(string(q.group), "breaker_reject").Inc()
		q.finishTransient(ctx, t, &core.CircuitBreakerError{Group: q.group})
		return
	}

	if err := q.store.UpdateTaskStatus(ctx, t.ID, core.StatusRunning, nil); err != nil {
		done(false)
		q.throttler.Release(q.group)
		q.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to mark task running")
		return
	}
	q.logDecision(Decision{Decision: "dispatch", TaskID: t.ID, Priority: t.Priority})
	metrics.TasksDispatched.WithLabelValues(string(q.group), "dispatch").Inc()

	execCtx, cancel := context.WithTimeout(ctx, q.execTimeout)
	q.runningMu.Lock()
	q.running[t.ID] = cancel
	q.runningMu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()
		defer func() {
			q.runningMu.Lock()
			delete(q.running, t.ID)
			q.runningMu.Unlock()
		}()

		start := time.Now()
		result, err := q.execute(execCtx, t)
		duration := time.Since(start)

		q.mu.Lock()
		q.lastProcessed = time.Now()
		q.mu.Unlock()

		q.throttler.Release(q.group)

		if err == nil {
			done(true)
			metrics.TaskDurationSeconds.WithLabelValues(string(q.group), "completed").Observe(duration.Seconds())
			if uerr := q.store.UpdateTaskStatus(ctx, t.ID, core.StatusCompleted, nil); uerr != nil {
				q.log.Error().Err(uerr).Str("task_id", t.ID).Msg("failed to mark task completed")
			}
			if result != "" {
				if uerr := q.store.RecordResult(ctx, t.ID, result); uerr != nil {
					q.log.Error().Err(uerr).Str("task_id", t.ID).Msg("failed to record task result")
				}
			}
			q.bus.Publish(events.TaskCompleted, events.TaskEvent{TaskID: t.ID, Group: q.group, Result: result})
			return
		}

		done(false)
		if execCtx.Err() == context.Canceled {
			// Interrupted by Cancel (which records the cancelled status) or
			// by Shutdown (which leaves the row running for the next startup
			// to repair); neither is retried.
			return
		}
		if execCtx.Err() == context.DeadlineExceeded {
			err = &core.TaskTimeoutError{TaskID: t.ID, Deadline: q.execTimeout.String()}
		}
		q.finishTransient(ctx, t, err)
	}()
}

// finishTransient applies the retry-vs-terminal-failed decision shared by
// the timeout, throttle, breaker, and operation-error paths (spec §4.3
// step 7, §7).
func (q *Queue) finishTransient(ctx context.Context, t *core.Task, cause error) {
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		if err := q.store.UpdateTaskStatus(ctx, t.ID, core.StatusRetry, cause); err != nil {
			q.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to mark task for retry")
		}
		metrics.RetryCount.WithLabelValues(string(q.group)).Inc()
		q.logDecision(Decision{Decision: "retry", TaskID: t.ID, Priority: t.Priority, Reason: cause.Error()})
		q.readmit(t)
		return
	}
	if err := q.store.UpdateTaskStatus(ctx, t.ID, core.StatusFailed, cause); err != nil {
		q.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to mark task failed")
	}
	metrics.TaskDurationSeconds.WithLabelValues(string(q.group), "failed").Observe(0)
	q.bus.Publish(events.TaskFailed, events.TaskEvent{TaskID: t.ID, Group: q.group, Err: cause})
}

func (q *Queue) execute(ctx context.Context, t *core.Task) (string, error) {
	if t.Operation == nil {
		return "", fmt.Errorf("task %s: %w", t.ID, core.ErrNoFactory)
	}
	return t.Operation(ctx)
}

// Shutdown signals the dispatch loop to stop, interrupts all in-flight
// operations, and waits up to grace for them to unwind.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	q.runningMu.Lock()
	for _, cancel := range q.running {
		cancel()
	}
	q.runningMu.Unlock()

	done := make(chan struct{})
	go func() { q.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (q *Queue) logDecision(d Decision) {
	d.ResourceGroup = string(q.group)
	q.log.Info().Str("decision", d.Decision).Str("task_id", d.TaskID).Int("priority", d.Priority).Str("reason", d.Reason).Msg("scheduling decision")
}

func toPersisted(t *core.Task, sessionID string, status core.TaskStatus) *core.PersistedTask {
	return &core.PersistedTask{
		ID: t.ID, SessionID: sessionID, Type: t.Type, ResourceGroup: t.ResourceGroup,
		Priority: t.Priority, MaxRetries: t.MaxRetries, EstimatedDuration: t.EstimatedDuration,
		OperationData: t.OperationData, Status: status, CreatedAt: t.CreatedAt, RetryCount: t.RetryCount,
	}
}
