package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue/core"
)

func testConfig() core.CircuitBreakerConfig {
	return core.CircuitBreakerConfig{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		RecoveryTimeoutMS: 20,
		VolumeThreshold:   3,
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	groups := []core.ResourceGroup{core.GroupFilesystem}
	m := New(cfg, zerolog.Nop(), groups)

	for i := 0; i < int(cfg.FailureThreshold)+int(cfg.VolumeThreshold); i++ {
		done, ok := m.Allow(core.GroupFilesystem)
		if !ok {
			break
		}
		done(false)
	}

	if !m.IsOpen(core.GroupFilesystem) {
		t.Fatal("expected breaker to be open after repeated failures")
	}
	if _, ok := m.Allow(core.GroupFilesystem); ok {
		t.Fatal("expected Allow to refuse while breaker is open")
	}
}

func TestBreakerTripsOnFailureThresholdAloneBelowVolumeThreshold(t *testing.T) {
	cfg := core.CircuitBreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  1,
		RecoveryTimeoutMS: 1000,
		VolumeThreshold:   10,
	}
	groups := []core.ResourceGroup{core.GroupNetwork}
	m := New(cfg, zerolog.Nop(), groups)

	for i := 0; i < int(cfg.FailureThreshold); i++ {
		done, ok := m.Allow(core.GroupNetwork)
		if !ok {
			t.Fatalf("request %d unexpectedly refused before breaker should trip", i)
		}
		done(false)
	}

	if !m.IsOpen(core.GroupNetwork) {
		t.Fatal("expected breaker open after failure_threshold consecutive failures, even below volume_threshold requests")
	}
	if _, ok := m.Allow(core.GroupNetwork); ok {
		t.Fatal("expected request 6 to be rejected without invoking its operation")
	}
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	cfg := testConfig()
	groups := []core.ResourceGroup{core.GroupNetwork}
	m := New(cfg, zerolog.Nop(), groups)

	for i := 0; i < int(cfg.FailureThreshold)+int(cfg.VolumeThreshold); i++ {
		if done, ok := m.Allow(core.GroupNetwork); ok {
			done(false)
		}
	}
	if !m.IsOpen(core.GroupNetwork) {
		t.Fatal("expected breaker to trip open")
	}

	time.Sleep(cfg.RecoveryTimeout() + 10*time.Millisecond)

	done, ok := m.Allow(core.GroupNetwork)
	if !ok {
		t.Fatal("expected a half-open probe to be allowed after recovery timeout")
	}
	done(true)
	done2, ok2 := m.Allow(core.GroupNetwork)
	if !ok2 {
		t.Fatal("expected second half-open probe to be allowed")
	}
	done2(true)

	if m.IsOpen(core.GroupNetwork) {
		t.Fatal("expected breaker to close after enough half-open successes")
	}
}

func TestForceCloseResetsState(t *testing.T) {
	cfg := testConfig()
	groups := []core.ResourceGroup{core.GroupComputation}
	m := New(cfg, zerolog.Nop(), groups)

	for i := 0; i < 10; i++ {
		if done, ok := m.Allow(core.GroupComputation); ok {
			done(false)
		}
	}
	if !m.IsOpen(core.GroupComputation) {
		t.Fatal("expected breaker open before force close")
	}

	m.ForceClose(core.GroupComputation, cfg)
	if m.IsOpen(core.GroupComputation) {
		t.Fatal("expected breaker closed after ForceClose")
	}
}
