package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterEvictAfter = 10 * time.Minute
	limiterMaxIdle    = 1000
)

// SyncLimiter debounces graph syncs per session with a token bucket each.
type SyncLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewSyncLimiter allows burst syncs per session, refilled one per interval.
// A non-positive interval disables limiting.
func NewSyncLimiter(interval time.Duration, burst int) *SyncLimiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &SyncLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow reports whether a sync for key may proceed now.
func (l *SyncLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterMaxIdle {
			l.evict(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// RetryAfter is the wait before the next token for a fully drained bucket.
func (l *SyncLimiter) RetryAfter() time.Duration {
	if l.limit == rate.Inf || l.limit == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(l.limit))
}

// Forget drops the bucket of key, e.g. once its session is deleted.
func (l *SyncLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func (l *SyncLimiter) evict(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterEvictAfter {
			delete(l.limiters, k)
		}
	}
}
