package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/core"
	"github.com/itskum47/taskqueue/storage"
)

type fakeInspector struct{ depth int }

func (f fakeInspector) Depth(core.ResourceGroup) int            { return f.depth }
func (f fakeInspector) LastProcessed(core.ResourceGroup) time.Time { return time.Now() }

func TestMonitorSnapshotAggregatesOutcomes(t *testing.T) {
	store := storage.NewMemoryStore()
	groups := []core.ResourceGroup{core.GroupFilesystem, core.GroupNetwork}
	mon := NewMonitor(store, fakeInspector{depth: 2}, groups, "session-1", zerolog.Nop())

	mon.RecordOutcome(core.GroupFilesystem, core.StatusCompleted)
	mon.RecordOutcome(core.GroupFilesystem, core.StatusCompleted)
	mon.RecordOutcome(core.GroupFilesystem, core.StatusFailed)

	snap := mon.Snapshot()
	if snap.TotalCompleted != 2 || snap.TotalFailed != 1 {
		t.Fatalf("unexpected totals: completed=%d failed=%d", snap.TotalCompleted, snap.TotalFailed)
	}
	if snap.SuccessRate < 0.6 || snap.SuccessRate > 0.7 {
		t.Fatalf("expected success rate ~0.667, got %f", snap.SuccessRate)
	}
}

func TestMonitorExportJSON(t *testing.T) {
	store := storage.NewMemoryStore()
	mon := NewMonitor(store, fakeInspector{}, []core.ResourceGroup{core.GroupComputation}, "s1", zerolog.Nop())

	data, err := mon.Export("json")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("expected valid JSON, got error: %v", err)
	}
}

func TestMonitorExportUnsupportedFormat(t *testing.T) {
	store := storage.NewMemoryStore()
	mon := NewMonitor(store, fakeInspector{}, nil, "s1", zerolog.Nop())
	if _, err := mon.Export("xml"); err == nil {
		t.Fatal("expected error for unsupported export format")
	}
}

func TestDegradedModeTracksAvailability(t *testing.T) {
	d := NewDegradedMode(zerolog.Nop())
	if !d.IsDBAvailable() {
		t.Fatal("expected available by default")
	}
	d.MarkDBUnavailable()
	if d.IsDBAvailable() {
		t.Fatal("expected unavailable after MarkDBUnavailable")
	}
	d.MarkDBAvailable()
	if !d.IsDBAvailable() {
		t.Fatal("expected available after MarkDBAvailable")
	}
}

func TestPersistSnapshotWritesToStore(t *testing.T) {
	store := storage.NewMemoryStore()
	mon := NewMonitor(store, fakeInspector{}, []core.ResourceGroup{core.GroupFilesystem}, "s1", zerolog.Nop())
	if err := mon.PersistSnapshot(context.Background()); err != nil {
		t.Fatalf("persist snapshot failed: %v", err)
	}
}
