package govern

import (
	"sync"
	"time"
)

const (
	// DefaultTargetLimit is the per-printer request ceiling per window.
	DefaultTargetLimit = 5
	// DefaultTenantLimit is the per-tenant request ceiling per window.
	DefaultTenantLimit = 10
	// DefaultWindow is the fixed rate-limit window length.
	DefaultWindow = time.Minute
)

// window is a single fixed counting window
type window struct {
	start time.Time
	count int
}

// RateLimiter counts requests in fixed windows keyed by scope string.
// Counters reset at window boundaries rather than sliding, so a burst
// straddling a boundary can briefly exceed the nominal rate.
type RateLimiter struct {
	limit    int
	interval time.Duration
	windows  map[string]*window
	mutex    sync.Mutex
	now      func() time.Time
}

// NewRateLimiter creates a fixed-window rate limiter allowing limit
// requests per interval per scope.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultTargetLimit
	}
	if interval <= 0 {
		interval = DefaultWindow
	}

	return &RateLimiter{
		limit:    limit,
		interval: interval,
		windows:  make(map[string]*window),
		now:      time.Now,
	}
}

// Allow consumes one slot for scope if the current window has capacity.
// When the window is exhausted it returns false and the time remaining
// until the window resets.
func (rl *RateLimiter) Allow(scope string) (bool, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()

	w, exists := rl.windows[scope]
	if !exists || now.Sub(w.start) >= rl.interval {
		rl.windows[scope] = &window{start: now, count: 1}
		return true, 0
	}

	if w.count < rl.limit {
		w.count++
		return true, 0
	}

	return false, w.start.Add(rl.interval).Sub(now)
}

// Remaining reports how many slots are left in the current window for scope.
func (rl *RateLimiter) Remaining(scope string) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	w, exists := rl.windows[scope]
	if !exists || rl.now().Sub(w.start) >= rl.interval {
		return rl.limit
	}
	return rl.limit - w.count
}

// Scopes reports how many scope windows are currently tracked.
func (rl *RateLimiter) Scopes() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.windows)
}

// Prune drops windows that have already expired. Called periodically
// so the scope map does not grow without bound.
func (rl *RateLimiter) Prune() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for scope, w := range rl.windows {
		if now.Sub(w.start) >= rl.interval {
			delete(rl.windows, scope)
		}
	}
}
