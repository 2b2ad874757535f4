package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/taskqueue/core"
)

// MemoryStore is an in-memory Store used by the storage and health
// package tests that don't need a real sqlite file,
// mirroring the teacher's in-memory store test double.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*core.PersistedTask
	sessions map[string]*core.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*core.PersistedTask),
		sessions: make(map[string]*core.Session),
	}
}

func (m *MemoryStore) PersistTask(ctx context.Context, t *core.PersistedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, taskErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &core.PersistenceError{Op: "update_task_status", Err: context.Canceled}
	}
	now := time.Now()
	switch status {
	case core.StatusRunning:
		t.StartedAt = &now
		t.Status = status
	case core.StatusCompleted, core.StatusFailed, core.StatusCancelled:
		t.CompletedAt = &now
		if t.StartedAt != nil {
			t.ActualDuration = now.Sub(*t.StartedAt)
		}
		if taskErr != nil {
			t.LastError = taskErr.Error()
		}
		t.Status = status
	case core.StatusRetry:
		t.RetryCount++
		t.Status = core.StatusPending
		if taskErr != nil {
			t.LastError = taskErr.Error()
		}
	default:
		t.Status = status
	}
	return nil
}

func (m *MemoryStore) RecordResult(ctx context.Context, id string, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return &core.PersistenceError{Op: "record_result", Err: context.Canceled}
	}
	t.ResultData = result
	return nil
}

func (m *MemoryStore) LoadPendingTasks(ctx context.Context, sessionID string) ([]*core.PersistedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.PersistedTask
	for _, t := range m.tasks {
		if t.SessionID == sessionID && (t.Status == core.StatusPending || t.Status == core.StatusRetry) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetTaskByID(ctx context.Context, id string) (*core.PersistedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemoryStore) GetCurrentSession(ctx context.Context) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Status == core.SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) EndSession(ctx context.Context, sessionID string, status core.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Status = status
		now := time.Now()
		s.EndedAt = &now
	}
	return nil
}

func (m *MemoryStore) ClearQueueForNewSession(ctx context.Context, newSessionID string, cmdLine, workDir string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[newSessionID] = &core.Session{
		SessionID: newSessionID, CreatedAt: time.Now(), CommandLine: cmdLine,
		WorkingDirectory: workDir, ProcessID: pid, Status: core.SessionActive,
	}
	for _, t := range m.tasks {
		if t.Status == core.StatusRunning && t.SessionID != newSessionID {
			t.Status = core.StatusFailed
			t.LastError = "Session terminated unexpectedly"
		}
	}
	return nil
}

func (m *MemoryStore) RecoverFromCrash(ctx context.Context, sessionID string) ([]*core.PersistedTask, error) {
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.Status == core.StatusRunning && t.SessionID == sessionID {
			t.Status = core.StatusFailed
			t.LastError = "Process crashed during execution"
		}
	}
	m.mu.Unlock()
	return m.LoadPendingTasks(ctx, sessionID)
}

func (m *MemoryStore) CountRunningOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == core.StatusRunning && t.StartedAt != nil && t.StartedAt.Before(olderThan) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkStuckFailed(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == core.StatusRunning && t.StartedAt != nil && t.StartedAt.Before(olderThan) {
			t.Status = core.StatusFailed
			t.LastError = reason
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveMetricsSnapshot(ctx context.Context, met core.QueueMetrics, resourceGroupStatsJSON string) error {
	return nil
}

func (m *MemoryStore) SaveHeartbeat(ctx context.Context, hb core.Heartbeat) error {
	return nil
}

func (m *MemoryStore) PurgeCompletedOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if n >= batchSize {
			break
		}
		terminal := t.Status == core.StatusCompleted || t.Status == core.StatusFailed || t.Status == core.StatusCancelled
		if terminal && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PurgeHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (m *MemoryStore) PurgeMetricsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (m *MemoryStore) Close() error { return nil }
