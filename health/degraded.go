// Package health implements the L3 StabilityMonitor and Monitor:
// heartbeats, self-diagnosis, automatic remediation, and metrics
// aggregation (spec §4.6-4.7). The degraded-mode bookkeeping below is
// adapted from this family of services' DegradedMode type, narrowed from
// tracking Redis/Postgres/NATS availability to tracking the single
// embedded store this module depends on.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DegradedMode tracks whether the embedded store is reachable and logs
// transitions, mirroring the MarkUnavailable/MarkAvailable bookkeeping
// this family of services uses for its external dependencies.
type DegradedMode struct {
	mu            sync.RWMutex
	dbAvailable   bool
	lastDBCheck   time.Time
	log           zerolog.Logger
}

func NewDegradedMode(log zerolog.Logger) *DegradedMode {
	return &DegradedMode{dbAvailable: true, log: log.With().Str("component", "degraded_mode").Logger()}
}

func (d *DegradedMode) MarkDBUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dbAvailable {
		d.log.Warn().Msg("database unavailable, marking for reconnection attempt")
	}
	d.dbAvailable = false
	d.lastDBCheck = time.Now()
}

func (d *DegradedMode) MarkDBAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dbAvailable {
		d.log.Info().Msg("database recovered")
	}
	d.dbAvailable = true
	d.lastDBCheck = time.Now()
}

func (d *DegradedMode) IsDBAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dbAvailable
}
