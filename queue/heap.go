package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/itskum47/taskqueue/core"
)

// effectiveScore computes the anti-starvation score from spec §4.3.1: a
// long-waiting or already-retried task's effective priority improves
// (the numeric score drops) so it cannot starve behind a steady stream
// of fresh higher-priority submissions. Lower score pops first.
func effectiveScore(t *core.Task) float64 {
	ageMinutes := time.Since(t.CreatedAt).Minutes()
	return float64(t.Priority) - 0.01*ageMinutes - 0.5*float64(t.RetryCount)
}

// taskHeap implements heap.Interface over pending tasks for one group.
type taskHeap []*core.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	si, sj := effectiveScore(h[i]), effectiveScore(h[j])
	if si != sj {
		return si < sj
	}
	// Equal effective priority: earlier submission wins (FIFO, spec P5).
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*core.Task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// stagingBuffer is a bounded, priority-ordered buffer of tasks awaiting
// dispatch for one resource group (spec §4.3's "staging buffer"). The
// heap is shared by concurrent submitters (push, via Enqueue/readmit),
// the dispatch loop (pop), Cancel (remove), and periodic depth reads
// from the throttle sampler, health monitor, and GetStatus/metrics
// (len) — mu guards every access, mirroring the teacher's
// ThreadSafeQueue (control_plane/scheduler/queue.go).
type stagingBuffer struct {
	mu       sync.Mutex
	h        taskHeap
	capacity int
	notify   chan struct{}
}

func newStagingBuffer(capacity int) *stagingBuffer {
	return &stagingBuffer{h: make(taskHeap, 0), capacity: capacity, notify: make(chan struct{}, 1)}
}

func (b *stagingBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.h)
}

func (b *stagingBuffer) push(t *core.Task) {
	b.mu.Lock()
	heap.Push(&b.h, t)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *stagingBuffer) pop() *core.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.h) == 0 {
		return nil
	}
	return heap.Pop(&b.h).(*core.Task)
}

// remove drops a staged-but-not-yet-dispatched task by id, used by
// Cancel for tasks that never reached running.
func (b *stagingBuffer) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.h {
		if t.ID == id {
			heap.Remove(&b.h, i)
			return true
		}
	}
	return false
}
