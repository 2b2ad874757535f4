package health

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/storage"
)

// Monitor aggregates in-memory per-group outcome counters (fed through
// RecordOutcome) and staged depth from the queues, producing QueueMetrics
// snapshots (spec §4.7). It does not read counters back from the store.
type Monitor struct {
	store     storage.Store
	queues    QueueInspector
	groups    []core.ResourceGroup
	sessionID string
	log       zerolog.Logger

	mu      sync.Mutex
	counts  map[core.ResourceGroup]core.GroupStats
	started time.Time
}

func NewMonitor(store storage.Store, queues QueueInspector, groups []core.ResourceGroup, sessionID string, log zerolog.Logger) *Monitor {
	counts := make(map[core.ResourceGroup]core.GroupStats, len(groups))
	for _, g := range groups {
		counts[g] = core.GroupStats{}
	}
	return &Monitor{
		store: store, queues: queues, groups: groups, sessionID: sessionID,
		log: log.With().Str("component", "monitor").Logger(), counts: counts, started: time.Now(),
	}
}

// RecordOutcome updates the in-memory per-group counters. The façade
// calls this from the queue's task-completion callback.
func (mn *Monitor) RecordOutcome(group core.ResourceGroup, status core.TaskStatus) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	s := mn.counts[group]
	switch status {
	case core.StatusCompleted:
		s.Completed++
	case core.StatusFailed:
		s.Failed++
	case core.StatusCancelled:
		s.Cancelled++
	}
	mn.counts[group] = s
}

// Snapshot produces the current aggregated QueueMetrics.
func (mn *Monitor) Snapshot() core.QueueMetrics {
	mn.mu.Lock()
	perGroup := make(map[core.ResourceGroup]core.GroupStats, len(mn.counts))
	var totalCompleted, totalFailed, totalCancelled, totalSubmitted int
	for g, s := range mn.counts {
		s.Running = 0
		if mn.queues != nil {
			s.Pending = mn.queues.Depth(g)
		}
		perGroup[g] = s
		totalCompleted += s.Completed
		totalFailed += s.Failed
		totalCancelled += s.Cancelled
		totalSubmitted += s.Completed + s.Failed + s.Cancelled + s.Pending
	}
	mn.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	successRate := 1.0
	denom := totalCompleted + totalFailed
	if denom > 0 {
		successRate = float64(totalCompleted) / float64(denom)
	}

	elapsedMin := time.Since(mn.started).Minutes()
	throughput := 0.0
	if elapsedMin > 0 {
		throughput = float64(totalCompleted) / elapsedMin
	}

	depth := 0
	for _, g := range mn.groups {
		if mn.queues != nil {
			depth += mn.queues.Depth(g)
		}
	}

	return core.QueueMetrics{
		SessionID:              mn.sessionID,
		SnapshotTime:           time.Now(),
		TotalSubmitted:         totalSubmitted,
		TotalCompleted:         totalCompleted,
		TotalFailed:            totalFailed,
		TotalCancelled:         totalCancelled,
		PerGroup:               perGroup,
		SuccessRate:            successRate,
		ThroughputPerMinute:    throughput,
		MemoryUsageMB:          float64(ms.HeapAlloc) / (1024 * 1024),
		QueueDepth:             depth,
	}
}

// PersistSnapshot writes the current snapshot to the store for offline
// analysis (spec §4.7).
func (mn *Monitor) PersistSnapshot(ctx context.Context) error {
	snap := mn.Snapshot()
	statsJSON, err := json.Marshal(snap.PerGroup)
	if err != nil {
		return err
	}
	return mn.store.SaveMetricsSnapshot(ctx, snap, string(statsJSON))
}

// UpdateHeartbeat persists a Heartbeat row derived from the current
// process state and the monitor's breaker/memory signals.
func (mn *Monitor) UpdateHeartbeat(ctx context.Context, state HeartbeatState, breakerOpen bool, leakDetected, gcTriggered bool) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	hb := core.Heartbeat{
		ProcessID:           os.Getpid(),
		SessionID:           mn.sessionID,
		Timestamp:           time.Now(),
		MemoryRSSKB:         int64(ms.Sys / 1024),
		HeapUsedKB:          int64(ms.HeapAlloc / 1024),
		HeapTotalKB:         int64(ms.HeapSys / 1024),
		ExternalKB:          int64(ms.StackSys / 1024),
		UptimeSeconds:       time.Since(state.UptimeStart).Seconds(),
		ConsecutiveFailures: state.ConsecutiveFailures,
		MemoryLeakDetected:  leakDetected,
		GCTriggered:         gcTriggered,
		CircuitBreakerOpen:  breakerOpen,
		IsHealthy:           state.IsHealthy,
	}
	return mn.store.SaveHeartbeat(ctx, hb)
}

// Export serializes the current snapshot as "json" or "csv".
func (mn *Monitor) Export(format string) ([]byte, error) {
	snap := mn.Snapshot()
	switch format {
	case "json":
		return json.MarshalIndent(snap, "", "  ")
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		w.Write([]string{"resource_group", "pending", "completed", "failed", "cancelled"})
		for g, s := range snap.PerGroup {
			w.Write([]string{string(g), strconv.Itoa(s.Pending), strconv.Itoa(s.Completed), strconv.Itoa(s.Failed), strconv.Itoa(s.Cancelled)})
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return nil, fmt.Errorf("taskqueue: unsupported export format %q", format)
	}
}
