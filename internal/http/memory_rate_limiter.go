package httpx

import (
	"strings"
	"sync"
	"time"
)

const limiterSweepEvery = 5 * time.Minute

// callerWindow is one caller's fixed window on one route.
type callerWindow struct {
	hits int
	ends time.Time
}

// memoryRateLimiter buckets windows by route so a busy route never evicts or
// shares counts with another. Used when no Redis limiter is configured.
type memoryRateLimiter struct {
	mu     sync.Mutex
	routes map[string]map[string]callerWindow
	now    func() time.Time
	stop   chan struct{}
	closed sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter that sweeps expired
// windows in the background until Close.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepEvery(limiterSweepEvery)
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		routes: make(map[string]map[string]callerWindow),
		now:    now,
		stop:   make(chan struct{}),
	}
}

func splitLimiterKey(key string) (route, caller string) {
	route, caller, found := strings.Cut(key, "|")
	if !found {
		return "", key
	}
	return route, caller
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	route, caller := splitLimiterKey(key)
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	callers := rl.routes[route]
	if callers == nil {
		callers = make(map[string]callerWindow)
		rl.routes[route] = callers
	}
	w, ok := callers[caller]
	if !ok || !now.Before(w.ends) {
		w = callerWindow{ends: now.Add(window)}
	}
	if w.hits >= limit {
		return rateDecision{allowed: false, count: w.hits, windowEnd: w.ends}
	}
	w.hits++
	callers[caller] = w
	return rateDecision{allowed: true, count: w.hits, windowEnd: w.ends}
}

func (rl *memoryRateLimiter) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep drops expired windows and routes left without callers.
func (rl *memoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for route, callers := range rl.routes {
		for caller, w := range callers {
			if !now.Before(w.ends) {
				delete(callers, caller)
			}
		}
		if len(callers) == 0 {
			delete(rl.routes, route)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.closed.Do(func() { close(rl.stop) })
}
