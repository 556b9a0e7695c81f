package rpc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter throttles transaction intake per client source. A zero rate
// disables throttling.
type sourceLimiter struct {
	mu        sync.Mutex
	perSecond rate.Limit
	burst     int
	visitors  map[string]*limiterEntry
	lastPrune time.Time
}

func newSourceLimiter(requestsPerMinute float64, burst int) *sourceLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &sourceLimiter{
		perSecond: rate.Limit(requestsPerMinute / 60.0),
		burst:     burst,
		visitors:  make(map[string]*limiterEntry),
	}
}

func (l *sourceLimiter) allow(source string, now time.Time) bool {
	if l == nil || l.perSecond <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > limiterIdleTTL {
		for id, entry := range l.visitors {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.visitors, id)
			}
		}
		l.lastPrune = now
	}
	entry, ok := l.visitors[source]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
