package http

import (
	"container/list"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a token bucket per client key with LRU eviction so the
// table cannot grow without bound.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	now        func() time.Time
	log        zerolog.Logger
}

// NewRateLimiter allows perSecond requests per key with the given burst.
// maxEntries <= 0 means 10000.
func NewRateLimiter(perSecond, burst, maxEntries int, log zerolog.Logger) *RateLimiter {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		maxEntries: maxEntries,
		now:        time.Now,
		log:        log,
	}
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if el, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(el)
		e := el.Value.(*limiterEntry)
		e.lastAccess = now
		return e.limiter.AllowN(now, 1)
	}
	if len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}
	e := &limiterEntry{key: key, limiter: rate.NewLimiter(rl.rate, rl.burst), lastAccess: now}
	rl.entries[key] = rl.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// Cleanup drops keys idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for el := rl.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*limiterEntry)
		if now.Sub(e.lastAccess) <= maxIdle {
			break // list is ordered by access time
		}
		delete(rl.entries, e.key)
		rl.lru.Remove(el)
		removed++
		el = prev
	}
	if removed > 0 {
		rl.log.Debug().Int("removed", removed).Int("remaining", len(rl.entries)).Msg("rate limiter cleanup")
	}
	return removed
}

// Len is the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// must hold rl.mu
func (rl *RateLimiter) evictOldest() {
	el := rl.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*limiterEntry)
	delete(rl.entries, e.key)
	rl.lru.Remove(el)
	rl.log.Debug().Str("key", e.key).Msg("rate limiter eviction")
}

// Middleware rejects requests over the limit with 429 and an OAuth-style body.
// The key is the client IP; run it behind middleware.RealIP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Cache-Control", "no-store")
			writeErrors(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
