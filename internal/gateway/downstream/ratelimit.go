package downstream

import (
	"sync"
	"time"
)

// Window is a per-session sliding counter, reset when wall-clock
// reaches ResetAt (spec §3 RateLimitWindow).
type Window struct {
	Count   int
	ResetAt time.Time
}

// Limiter enforces a per-session cap of N events per 1-second window.
// Grounded on the spec's RateLimitWindow data model; cleanup runs on a
// periodic sweep (scheduled by cmd/gateway via robfig/cron) rather
// than a per-access check, so memory is bounded without losing
// mid-window counts for sessions still active.
type Limiter struct {
	mu      sync.Mutex
	cap     int
	windows map[string]*Window
}

// NewLimiter constructs a Limiter with the given per-second cap.
func NewLimiter(cap int) *Limiter {
	return &Limiter{cap: cap, windows: make(map[string]*Window)}
}

// Allow reports whether one more event for sessionID is permitted at
// now, advancing/creating the window as needed.
func (l *Limiter) Allow(sessionID string, now time.Time) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[sessionID]
	if !ok || !now.Before(w.ResetAt) {
		w = &Window{Count: 0, ResetAt: now.Add(time.Second)}
		l.windows[sessionID] = w
	}
	if w.Count >= l.cap {
		return false, w.ResetAt.Sub(now)
	}
	w.Count++
	return true, 0
}

// Sweep evicts windows whose ResetAt has already elapsed, bounding
// memory without touching windows still mid-count. Intended to be
// invoked periodically (cmd/gateway schedules this via cron).
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, w := range l.windows {
		if !now.Before(w.ResetAt) {
			delete(l.windows, id)
			evicted++
		}
	}
	return evicted
}

// Forget drops a session's window immediately, called on session end.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, sessionID)
}
