package queue

import (
	"testing"
	"time"

	"github.com/itskum47/taskqueue/core"
)

func TestStagingBufferPopsHighestEffectivePriorityFirst(t *testing.T) {
	b := newStagingBuffer(10)
	now := time.Now()
	low := &core.Task{ID: "low", Priority: 8, CreatedAt: now}
	high := &core.Task{ID: "high", Priority: 1, CreatedAt: now}
	b.push(low)
	b.push(high)

	got := b.pop()
	if got.ID != "high" {
		t.Fatalf("expected high-priority task first, got %s", got.ID)
	}
	if b.pop().ID != "low" {
		t.Fatal("expected low-priority task second")
	}
}

func TestStagingBufferFIFOTieBreak(t *testing.T) {
	b := newStagingBuffer(10)
	now := time.Now()
	first := &core.Task{ID: "first", Priority: 5, CreatedAt: now}
	second := &core.Task{ID: "second", Priority: 5, CreatedAt: now.Add(time.Millisecond)}
	b.push(second)
	b.push(first)

	if got := b.pop(); got.ID != "first" {
		t.Fatalf("expected FIFO tie-break to pop earliest submission first, got %s", got.ID)
	}
}

func TestEffectiveScoreImprovesWithAgeAndRetries(t *testing.T) {
	fresh := &core.Task{Priority: 5, CreatedAt: time.Now()}
	aged := &core.Task{Priority: 5, CreatedAt: time.Now().Add(-10 * time.Minute)}
	retried := &core.Task{Priority: 5, CreatedAt: time.Now(), RetryCount: 2}

	if effectiveScore(aged) >= effectiveScore(fresh) {
		t.Fatalf("aged task should have a lower (more urgent) score than a fresh one: aged=%f fresh=%f",
			effectiveScore(aged), effectiveScore(fresh))
	}
	if effectiveScore(retried) >= effectiveScore(fresh) {
		t.Fatalf("retried task should have a lower (more urgent) score than a fresh one: retried=%f fresh=%f",
			effectiveScore(retried), effectiveScore(fresh))
	}
}

func TestStagingBufferRemove(t *testing.T) {
	b := newStagingBuffer(10)
	t1 := &core.Task{ID: "t1", Priority: 5, CreatedAt: time.Now()}
	b.push(t1)
	if !b.remove("t1") {
		t.Fatal("expected remove to find staged task")
	}
	if b.len() != 0 {
		t.Fatalf("expected buffer empty after remove, got len=%d", b.len())
	}
	if b.remove("missing") {
		t.Fatal("expected remove of unknown id to report false")
	}
}
