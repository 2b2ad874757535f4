// Package taskqueue implements a persistent, in-process task queue and
// execution scheduler for long-running CLI applications: multi-group
// priority scheduling, per-group circuit breakers and adaptive
// concurrency throttling, crash-safe persistence, and a self-healing
// health monitor (spec §2, L0-L4).
package taskqueue

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/breaker"
	"github.com/itskum47/taskqueue/events"
	"github.com/itskum47/taskqueue/health"
	"github.com/itskum47/taskqueue/metrics"
	"github.com/itskum47/taskqueue/queue"
	"github.com/itskum47/taskqueue/schema"
	"github.com/itskum47/taskqueue/storage"
	"github.com/itskum47/taskqueue/throttle"
)

// Queue is the façade applications construct and hold for the process
// lifetime. It wires L0 (storage/schema) through L4 (health monitor) per
// spec §2's layering and exposes the operations spec §3 names.
type Queue struct {
	cfg       Config
	sessionID string
	log       zerolog.Logger

	db    interface{ Close() error }
	store storage.Store

	breakers  *breaker.Manager
	throttler *throttle.Throttler
	queues    *queue.Manager
	bus       *events.Bus
	stability *health.StabilityMonitor
	monitor   *health.Monitor
	degraded  *health.DegradedMode

	factoriesMu     sync.RWMutex
	factories       map[OperationType]Factory
	priorSessionID  string

	ctx    context.Context
	cancel context.CancelFunc
}

// New opens the store, migrates the schema, recovers from any prior
// crash, and starts all background loops. Callers must call Shutdown.
func New(cfg Config, log zerolog.Logger) (*Queue, error) {
	if err := os.MkdirAll(dirOf(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("taskqueue: preparing database directory: %w", err)
	}

	sqlDB, store, err := storage.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, &SchemaError{Op: "open", Err: err}
	}

	schemaMgr := schema.New(sqlDB, log)
	if err := schemaMgr.Initialize(); err != nil {
		sqlDB.Close()
		return nil, &SchemaError{Op: "initialize", Err: err}
	}
	if ok, err := schemaMgr.Validate(); err != nil || !ok {
		sqlDB.Close()
		return nil, &SchemaError{Op: "validate", Err: fmt.Errorf("schema validation failed")}
	}

	sessionID := uuid.NewString()
	cmdLine := joinArgs(os.Args)
	workDir, _ := os.Getwd()
	pid := os.Getpid()

	priorSessionID, err := recoverSession(context.Background(), store, sessionID, cmdLine, workDir, pid)
	if err != nil {
		sqlDB.Close()
		return nil, &PersistenceError{Op: "recover_session", Err: err}
	}
	ctx := context.Background()

	groups := allGroups
	breakers := breaker.New(cfg.CircuitBreaker, log, groups)

	var ms memStatsSource
	var queues *queue.Manager
	loadSource := throttle.LoadSource{
		CPUFractionFn:    ms.cpuFraction,
		MemoryFractionFn: ms.memFraction,
		BacklogFn:        func(g ResourceGroup) int { return queues.Depth(g) },
	}
	throttler := throttle.New(cfg.Throttler, cfg.AdjustmentFactor, loadSource, log)

	bus := events.NewBus()
	queues = queue.NewManager(sessionID, store, breakers, throttler, bus, cfg, log)

	degraded := health.NewDegradedMode(log)
	stability := health.NewStabilityMonitor(store, breakers, throttler, queues, degraded, bus, cfg.CircuitBreaker, groups, log)
	monitor := health.NewMonitor(store, queues, groups, sessionID, log)

	q := &Queue{
		cfg: cfg, sessionID: sessionID, log: log.With().Str("component", "taskqueue").Logger(),
		db: sqlDB, store: store, breakers: breakers, throttler: throttler, queues: queues,
		bus: bus, stability: stability, monitor: monitor, degraded: degraded,
		factories: make(map[OperationType]Factory), priorSessionID: priorSessionID,
		ctx: ctx,
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	q.bus.Subscribe(events.TaskCompleted, func(payload interface{}) {
		if ev, ok := payload.(events.TaskEvent); ok {
			monitor.RecordOutcome(ev.Group, StatusCompleted)
		}
	})
	q.bus.Subscribe(events.TaskFailed, func(payload interface{}) {
		if ev, ok := payload.(events.TaskEvent); ok {
			monitor.RecordOutcome(ev.Group, StatusFailed)
		}
	})

	queues.Run(q.ctx)
	throttler.StartBackgroundLoops(q.ctx)
	stability.Start(q.ctx, time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond)
	q.startHeartbeatLoop(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond)
	q.startRetentionLoop(24 * time.Hour)

	q.log.Info().Str("session_id", sessionID).Msg("taskqueue initialized")
	return q, nil
}

// recoverSession implements spec §4.2: replace the prior active session
// with a fresh one, fail dangling running rows from it, and return the
// prior session's ID (empty on a clean first run) so ReadmitRecovered
// knows which session's pending tasks to re-stage.
func recoverSession(ctx context.Context, store storage.Store, sessionID, cmdLine, workDir string, pid int) (string, error) {
	prior, err := store.GetCurrentSession(ctx)
	if err != nil {
		return "", err
	}
	if err := store.ClearQueueForNewSession(ctx, sessionID, cmdLine, workDir, pid); err != nil {
		return "", err
	}
	if prior == nil {
		return "", nil
	}
	if _, err := store.RecoverFromCrash(ctx, prior.SessionID); err != nil {
		return "", err
	}
	if err := store.EndSession(ctx, prior.SessionID, SessionCrashed); err != nil {
		return "", err
	}
	return prior.SessionID, nil
}

// RegisterFactory registers the closure used to rebuild an Operation from
// its serialized OperationData for a given OperationType, used when
// re-admitting tasks recovered from a prior crashed session (spec §9).
func (q *Queue) RegisterFactory(t OperationType, f Factory) {
	q.factoriesMu.Lock()
	defer q.factoriesMu.Unlock()
	q.factories[t] = f
}

// ReadmitRecovered rebuilds Operations for every pending task from the
// prior session (per RegisterFactory) and re-stages them. Tasks whose
// OperationType has no registered factory are marked failed immediately.
func (q *Queue) ReadmitRecovered(ctx context.Context) error {
	if q.priorSessionID == "" {
		return nil
	}
	pending, err := q.store.LoadPendingTasks(ctx, q.priorSessionID)
	if err != nil {
		return err
	}
	q.factoriesMu.RLock()
	defer q.factoriesMu.RUnlock()
	for _, pt := range pending {
		factory, ok := q.factories[pt.Type]
		if !ok {
			_ = q.store.UpdateTaskStatus(ctx, pt.ID, StatusFailed, ErrNoFactory)
			continue
		}
		op, err := factory(pt.OperationData)
		if err != nil {
			_ = q.store.UpdateTaskStatus(ctx, pt.ID, StatusFailed, err)
			continue
		}
		q.queues.Readmit(&Task{
			ID: pt.ID, SessionID: pt.SessionID, Type: pt.Type, ResourceGroup: pt.ResourceGroup,
			Priority: pt.Priority, MaxRetries: pt.MaxRetries, EstimatedDuration: pt.EstimatedDuration,
			OperationData: pt.OperationData, Operation: op, CreatedAt: pt.CreatedAt, RetryCount: pt.RetryCount,
		})
	}
	return nil
}

func (q *Queue) submit(ctx context.Context, group ResourceGroup, opType OperationType, op Operation, opts SubmitOptions) (string, error) {
	if opts.IsMemoryIntensive && group == GroupComputation {
		group = GroupMemoryIntensive
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 5
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	t := &Task{
		ID: uuid.NewString(), SessionID: q.sessionID, Type: opType, ResourceGroup: group,
		Priority: priority, MaxRetries: maxRetries, EstimatedDuration: opts.EstimatedDuration,
		OperationData: opts.OperationData, Operation: op, CreatedAt: time.Now(),
	}
	metrics.TasksSubmitted.WithLabelValues(string(group)).Inc()
	if err := q.queues.Submit(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// SubmitFilesystem submits op to the filesystem resource group.
func (q *Queue) SubmitFilesystem(ctx context.Context, opType OperationType, op Operation, opts SubmitOptions) (string, error) {
	return q.submit(ctx, GroupFilesystem, opType, op, opts)
}

// SubmitNetwork submits op to the network resource group.
func (q *Queue) SubmitNetwork(ctx context.Context, opType OperationType, op Operation, opts SubmitOptions) (string, error) {
	return q.submit(ctx, GroupNetwork, opType, op, opts)
}

// SubmitComputation submits op to the computation group, or to the
// memory-intensive group when opts.IsMemoryIntensive is set (spec §4.8).
func (q *Queue) SubmitComputation(ctx context.Context, opType OperationType, op Operation, opts SubmitOptions) (string, error) {
	return q.submit(ctx, GroupComputation, opType, op, opts)
}

// WaitForTask polls the store for a task's terminal status every 100ms
// until it completes, fails, is cancelled, or timeout elapses (zero
// timeout waits indefinitely until ctx is cancelled).
func (q *Queue) WaitForTask(ctx context.Context, id string, timeout time.Duration) (*PersistedTask, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		pt, err := q.store.GetTaskByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if pt != nil {
			switch pt.Status {
			case StatusCompleted, StatusFailed, StatusCancelled:
				return pt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return pt, &TaskTimeoutError{TaskID: id, Deadline: timeout.String()}
		case <-ticker.C:
		}
	}
}

// PauseAll suspends dispatch in every resource group without dropping
// staged tasks.
func (q *Queue) PauseAll() { q.queues.PauseAll() }

// ResumeAll resumes dispatch in every resource group.
func (q *Queue) ResumeAll() { q.queues.ResumeAll() }

// Cancel interrupts a running task or removes a staged one.
func (q *Queue) Cancel(ctx context.Context, group ResourceGroup, id string) (bool, error) {
	return q.queues.Cancel(ctx, group, id)
}

// GetStatus snapshots every group's queue state plus aggregated metrics.
func (q *Queue) GetStatus() Status {
	return Status{
		SessionID: q.sessionID,
		Queues:    q.queues.Status(q.breakers, q.throttler),
		Metrics:   q.monitor.Snapshot(),
	}
}

// GetHealth runs an immediate health check and returns its result.
func (q *Queue) GetHealth(ctx context.Context) (bool, health.HealthMetrics) {
	hm, healthy := q.stability.PerformHealthCheck(ctx)
	return healthy, hm
}

// ExportMetrics serializes the current aggregated metrics as "json" or "csv".
func (q *Queue) ExportMetrics(format string) ([]byte, error) {
	return q.monitor.Export(format)
}

func (q *Queue) startHeartbeatLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				state := q.stability.GetHeartbeat()
				anyOpen := false
				for _, g := range allGroups {
					if q.breakers.IsOpen(g) {
						anyOpen = true
						break
					}
				}
				if err := q.monitor.UpdateHeartbeat(q.ctx, state, anyOpen, false, false); err != nil {
					q.log.Error().Err(err).Msg("failed to persist heartbeat")
				}
				if err := q.monitor.PersistSnapshot(q.ctx); err != nil {
					q.log.Error().Err(err).Msg("failed to persist metrics snapshot")
				}
			}
		}
	}()
}

// startRetentionLoop periodically purges rows past cfg.Retention's
// thresholds, mirroring the janitor sweep this family of services runs
// for stale leadership locks.
func (q *Queue) startRetentionLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.ctx.Done():
				return
			case <-ticker.C:
				q.runRetention()
			}
		}
	}()
}

func (q *Queue) runRetention() {
	ctx := context.Background()
	if n, err := q.store.PurgeCompletedOlderThan(ctx, time.Now().AddDate(0, 0, -q.cfg.Retention.CompletedTasksDays), q.cfg.Performance.BatchInsertSize); err != nil {
		q.log.Error().Err(err).Msg("purge completed tasks failed")
	} else if n > 0 {
		q.log.Info().Int("count", n).Msg("purged completed tasks past retention")
	}
	if _, err := q.store.PurgeHeartbeatsOlderThan(ctx, time.Now().AddDate(0, 0, -q.cfg.Retention.HeartbeatDays)); err != nil {
		q.log.Error().Err(err).Msg("purge heartbeats failed")
	}
	if _, err := q.store.PurgeMetricsOlderThan(ctx, time.Now().AddDate(0, 0, -q.cfg.Retention.MetricsDays)); err != nil {
		q.log.Error().Err(err).Msg("purge metrics failed")
	}
}

// Shutdown stops all background loops, drains in-flight tasks (up to
// grace), marks the session completed, and closes the store.
func (q *Queue) Shutdown(grace time.Duration) error {
	q.log.Info().Msg("taskqueue shutting down")
	q.queues.ShutdownAll(grace)
	q.cancel()
	if err := q.store.EndSession(context.Background(), q.sessionID, SessionCompleted); err != nil {
		q.log.Error().Err(err).Msg("failed to mark session completed")
	}
	return q.db.Close()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// memStatsSource supplies coarse CPU/memory fractions to the throttler's
// load sampler from runtime.MemStats, avoiding a cgo/cgroup dependency.
type memStatsSource struct{}

func (memStatsSource) cpuFraction() float64 {
	// No cgroup/cgo access in-process; approximate load from goroutine
	// pressure, matching the coarse proxy the stability monitor uses.
	return float64(runtime.NumGoroutine()) / 1000.0
}

func (memStatsSource) memFraction() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(ms.HeapSys+1)
}
