package daemon

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AutostartGate throttles how often the daemon will auto-launch a runner
// process in response to a newly queued job. Each workspace gets its own
// token bucket holding a single token that refills once per window. The gate lives on
// App rather than as a package-level global so multiple in-process daemons
// (tests, or a future multi-tenant host) don't share throttle state.
type AutostartGate struct {
	mu       sync.Mutex
	backoff  time.Duration
	limiters map[string]*rate.Limiter
}

// NewAutostartGate builds a gate with the given backoff window.
func NewAutostartGate(backoff time.Duration) *AutostartGate {
	return &AutostartGate{
		backoff:  backoff,
		limiters: map[string]*rate.Limiter{},
	}
}

// Allow reports whether an autostart for workspace may fire now, consuming
// the workspace's token if so. Subsequent calls for the same workspace
// within the backoff window return false without side effects.
func (g *AutostartGate) Allow(workspace string) bool {
	g.mu.Lock()
	lim, ok := g.limiters[workspace]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.backoff), 1)
		g.limiters[workspace] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// Reset clears a workspace's throttle state, used after a runner is
// confirmed to have picked up work so a subsequent genuine gap in runner
// coverage isn't penalized by the same window.
func (g *AutostartGate) Reset(workspace string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, workspace)
}
