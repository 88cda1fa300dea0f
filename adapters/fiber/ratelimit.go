package fiber

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepAfter = 1024
)

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	return l.get(ip).AllowN(l.now(), 1)
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	now := l.now()

	l.mu.RLock()
	limiter, ok := l.limiters[ip]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		l.lastSeen[ip] = now
		l.mu.Unlock()
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// another caller may have created it meanwhile
	if limiter, ok = l.limiters[ip]; ok {
		l.lastSeen[ip] = now
		return limiter
	}
	if len(l.limiters) >= limiterSweepAfter {
		l.sweepLocked(now)
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[ip] = limiter
	l.lastSeen[ip] = now
	return limiter
}

// sweepLocked drops limiters that have been idle long enough to be full again.
func (l *ipLimiter) sweepLocked(now time.Time) {
	for ip, seen := range l.lastSeen {
		if now.Sub(seen) > limiterIdleTTL {
			delete(l.limiters, ip)
			delete(l.lastSeen, ip)
		}
	}
}

func (l *ipLimiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
