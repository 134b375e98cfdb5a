package recovery

import (
	"sync"
	"time"

	"github.com/bitflowhq/bitflow-core/metric"
)

// Guard is the global emergency-pause flag. It is the single piece of
// shared mutable state with system-wide effect: every balance-mutating
// component checks it before committing. All access goes through the mutex
// so reads and writes are sequentially consistent across goroutines.
//
// The guard is owned by the recovery Manager and injected into the escrow
// ledger and bridge adapter; nothing reads it as ambient global state.
type Guard struct {
	mu      sync.RWMutex
	paused  bool
	reason  string
	since   time.Time
	metrics *metric.Metrics
}

// NewGuard creates an unpaused guard.
func NewGuard(metrics *metric.Metrics) *Guard {
	return &Guard{metrics: metrics}
}

// Active reports whether the emergency pause is in effect.
func (g *Guard) Active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Status returns the pause flag together with its reason and start time.
func (g *Guard) Status() (paused bool, reason string, since time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused, g.reason, g.since
}

// pause engages the emergency pause. Idempotent.
func (g *Guard) pause(reason string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return false
	}
	g.paused = true
	g.reason = reason
	g.since = now
	if g.metrics != nil {
		g.metrics.EmergencyPause.Set(1)
	}
	return true
}

// lift disengages the emergency pause. Idempotent.
func (g *Guard) lift() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return false
	}
	g.paused = false
	g.reason = ""
	g.since = time.Time{}
	if g.metrics != nil {
		g.metrics.EmergencyPause.Set(0)
	}
	return true
}
