package breaker

import (
	"sync"
	"time"

	"antigravity/internal/logging"
)

const (
	globalWindow   = 5 * time.Minute
	globalMaxFails = 10
	globalCooldown = 600 * time.Second
)

// Global is the scheduler-wide failure breaker: more than ten task failures
// inside a five-minute window pause all task execution for ten minutes.
type Global struct {
	mu        sync.Mutex
	failures  []time.Time
	tripped   bool
	resetTime time.Time
	now       func() time.Time
	logger    logging.Logger
	onTrip    func()
}

// NewGlobal creates the global breaker. onTrip, when non-nil, is invoked once
// per trip (used to emit a critical notification).
func NewGlobal(logger logging.Logger, onTrip func()) *Global {
	return &Global{
		now:    time.Now,
		logger: logging.OrNop(logger),
		onTrip: onTrip,
	}
}

// SetClock substitutes the time source. Tests only.
func (g *Global) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// RecordFailure appends a failure timestamp and trips when the window
// threshold is exceeded.
func (g *Global) RecordFailure() {
	g.mu.Lock()
	now := g.now()
	g.failures = append(g.failures, now)
	g.prune(now)
	shouldTrip := !g.tripped && len(g.failures) > globalMaxFails
	if shouldTrip {
		g.tripped = true
		g.resetTime = now.Add(globalCooldown)
	}
	onTrip := g.onTrip
	g.mu.Unlock()

	if shouldTrip {
		g.logger.Error("Global task breaker tripped: %d failures in %v, pausing until %s",
			globalMaxFails+1, globalWindow, g.ResetTime().Format(time.RFC3339))
		if onTrip != nil {
			onTrip()
		}
	}
}

// Tripped reports whether execution is currently paused. Once the cool-down
// elapses the breaker clears itself and drops the failure history.
func (g *Global) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tripped {
		return false
	}
	if g.now().Before(g.resetTime) {
		return true
	}
	g.tripped = false
	g.failures = nil
	g.logger.Info("Global task breaker reset, resuming execution")
	return false
}

// ResetTime returns when the current trip ends (zero when closed).
func (g *Global) ResetTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resetTime
}

// prune drops failures older than the window. Caller holds g.mu.
func (g *Global) prune(now time.Time) {
	cutoff := now.Add(-globalWindow)
	kept := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.failures = kept
}
