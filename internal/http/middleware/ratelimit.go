package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// KeyFunc derives the rate limit bucket for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys by the client address, preferring X-Real-Ip set by chi's RealIP.
func ClientIP(r *http.Request) string {
	if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// TenantAndIP keys by the {slug} route parameter and client address, so one
// noisy tenant cannot starve another behind the same proxy.
func TenantAndIP(r *http.Request) string {
	slug := strings.ToLower(chi.URLParam(r, "slug"))
	return slug + "|" + ClientIP(r)
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests with the given burst per key.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether a request for key is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Evict drops buckets idle for longer than the idle window.
func (rl *RateLimiter) Evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.idle)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// RunEviction evicts idle buckets every interval until ctx is cancelled.
func (rl *RateLimiter) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Evict()
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(key(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
