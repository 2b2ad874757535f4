package taskqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "queue.db")
	cfg.HeartbeatIntervalMS = 50

	q, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { q.Shutdown(2 * time.Second) })
	return q
}

func TestSubmitComputationCompletes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.SubmitComputation(ctx, OpComputation, func(ctx context.Context) (string, error) {
		return "done", nil
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pt, err := q.WaitForTask(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if pt.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", pt.Status)
	}
}

func TestSubmitMemoryIntensiveRoutesToMemoryGroup(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.SubmitComputation(ctx, OpMemoryOp, func(ctx context.Context) (string, error) {
		return "ok", nil
	}, SubmitOptions{IsMemoryIntensive: true})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pt, err := q.WaitForTask(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if pt.ResourceGroup != GroupMemoryIntensive {
		t.Fatalf("expected task routed to %s, got %s", GroupMemoryIntensive, pt.ResourceGroup)
	}

	status := q.GetStatus()
	if _, ok := status.Queues[GroupMemoryIntensive]; !ok {
		t.Fatal("expected memory-intensive group present in status")
	}
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.SubmitComputation(ctx, OpComputation, func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	}, SubmitOptions{MaxRetries: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	pt, err := q.WaitForTask(ctx, id, 10*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if pt.Status != StatusFailed {
		t.Fatalf("expected failed after retries exhausted, got %s", pt.Status)
	}
}

func TestPauseAllBlocksDispatchUntilResumed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	q.PauseAll()

	id, err := q.SubmitComputation(ctx, OpComputation, func(ctx context.Context) (string, error) {
		return "done", nil
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if pt, err := q.WaitForTask(shortCtx, id, 300*time.Millisecond); err == nil && pt != nil && pt.Status == StatusCompleted {
		t.Fatal("expected task to remain pending while paused")
	}

	q.ResumeAll()
	if _, err := q.WaitForTask(ctx, id, 5*time.Second); err != nil {
		t.Fatalf("expected task to complete after resume: %v", err)
	}
}
