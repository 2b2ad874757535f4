package storage

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/taskqueue/core"
)

func TestMemoryStorePersistAndLoadPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t1 := &core.PersistedTask{ID: "t1", SessionID: "s1", Priority: 5, Status: core.StatusPending, CreatedAt: time.Now()}
	t2 := &core.PersistedTask{ID: "t2", SessionID: "s1", Priority: 1, Status: core.StatusPending, CreatedAt: time.Now()}
	if err := s.PersistTask(ctx, t1); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistTask(ctx, t2); err != nil {
		t.Fatal(err)
	}

	pending, err := s.LoadPendingTasks(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	if pending[0].ID != "t2" {
		t.Fatalf("expected highest-priority (lowest number) task first, got %s", pending[0].ID)
	}
}

func TestMemoryStoreClearQueueForNewSessionFailsDanglingRunning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	running := &core.PersistedTask{ID: "r1", SessionID: "old-session", Status: core.StatusRunning, CreatedAt: time.Now()}
	if err := s.PersistTask(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskStatus(ctx, "r1", core.StatusRunning, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearQueueForNewSession(ctx, "new-session", "cmd", "/tmp", 1234); err != nil {
		t.Fatal(err)
	}

	pt, err := s.GetTaskByID(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if pt.Status != core.StatusFailed {
		t.Fatalf("expected dangling running task marked failed, got %s", pt.Status)
	}
}

func TestMemoryStoreMarkStuckFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute)
	t1 := &core.PersistedTask{ID: "stuck", Status: core.StatusRunning, StartedAt: &old}
	s.tasks["stuck"] = t1

	n, err := s.MarkStuckFailed(ctx, time.Now().Add(-5*time.Minute), "stuck task sweep")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task swept, got %d", n)
	}
	if t1.Status != core.StatusFailed {
		t.Fatalf("expected task marked failed, got %s", t1.Status)
	}
}
