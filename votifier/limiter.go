package votifier

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter is a per-source token bucket. Buckets idle for longer than
// idle are dropped, so a scan across many addresses does not pile up
// entries.
type sourceLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newSourceLimiter(limit rate.Limit, burst int, idle time.Duration) *sourceLimiter {
	return &sourceLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*bucket),
	}
}

// allow reports whether one more connection from source may proceed.
// source may be "host:port" or a bare host.
func (l *sourceLimiter) allow(source string) bool {
	if l == nil {
		return true
	}
	key := sourceHost(source)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= l.idle {
		l.prune(now)
		l.lastPrune = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *sourceLimiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= l.idle {
			delete(l.buckets, key)
		}
	}
}

func (l *sourceLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func sourceHost(source string) string {
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

// refillTime is how long an empty bucket takes to fill back up. Dropping a
// bucket sooner would hand its source a fresh burst.
func refillTime(limit rate.Limit, burst int) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(float64(burst) / float64(limit) * float64(time.Second))
}
