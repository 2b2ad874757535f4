package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/core"
)

func TestAcquireReleaseRespectsCurrentLimit(t *testing.T) {
	cfg := map[core.ResourceGroup]core.GroupThrottleConfig{
		core.GroupFilesystem: {Initial: 1, Min: 1, Max: 2},
	}
	th := New(cfg, 0.3, LoadSource{}, zerolog.Nop())

	ctx := context.Background()
	if err := th.Acquire(ctx, core.GroupFilesystem); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := th.Acquire(timeoutCtx, core.GroupFilesystem); err == nil {
		t.Fatal("expected second acquire to block and time out at limit 1")
	}

	th.Release(core.GroupFilesystem)
	if err := th.Acquire(ctx, core.GroupFilesystem); err != nil {
		t.Fatalf("acquire after release should succeed: %v", err)
	}
}

func TestAdjustOnceShrinksUnderHighLoad(t *testing.T) {
	cfg := map[core.ResourceGroup]core.GroupThrottleConfig{
		core.GroupNetwork: {Initial: 10, Min: 2, Max: 20},
	}
	th := New(cfg, 0.3, LoadSource{}, zerolog.Nop())
	th.samples[core.GroupNetwork] = Sample{CPUFraction: 1.0, MemoryFraction: 1.0, Backlog: 200}

	th.adjustOnce()

	if got := th.CurrentLimit(core.GroupNetwork); got >= 10 {
		t.Fatalf("expected limit to shrink under high load, got %d", got)
	}
}

func TestAdjustOnceNeverBelowMinOrAboveMax(t *testing.T) {
	cfg := map[core.ResourceGroup]core.GroupThrottleConfig{
		core.GroupComputation: {Initial: 3, Min: 2, Max: 6},
	}
	th := New(cfg, 0.3, LoadSource{}, zerolog.Nop())

	th.samples[core.GroupComputation] = Sample{CPUFraction: 1, MemoryFraction: 1, Backlog: 1000}
	th.adjustOnce()
	if got := th.CurrentLimit(core.GroupComputation); got < 2 {
		t.Fatalf("limit should never drop below configured min 2, got %d", got)
	}

	th.samples[core.GroupComputation] = Sample{CPUFraction: 0, MemoryFraction: 0, Backlog: 0}
	for i := 0; i < 5; i++ {
		th.adjustOnce()
	}
	if got := th.CurrentLimit(core.GroupComputation); got > 6 {
		t.Fatalf("limit should never exceed configured max 6, got %d", got)
	}
}
