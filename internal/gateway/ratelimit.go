package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	tokens   float64
	updated  time.Time
	lastSeen time.Time
}

func (b *bucket) take(now time.Time, rate, capacity float64) bool {
	b.tokens = min(capacity, b.tokens+now.Sub(b.updated).Seconds()*rate)
	b.updated = now
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimitMiddleware keeps one token bucket per client key. It limits HTTP
// requests through Wrap and control actions on open WebSockets through Allow.
type RateLimitMiddleware struct {
	rate     float64 // tokens per second
	capacity float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimitMiddleware creates a limiter. A non-positive rate disables it;
// a non-positive burst defaults to a sixth of the per-minute rate.
func NewRateLimitMiddleware(requestsPerMinute, burstSize int) *RateLimitMiddleware {
	if requestsPerMinute > 0 && burstSize <= 0 {
		burstSize = max(requestsPerMinute/6, 1)
	}
	return &RateLimitMiddleware{
		rate:     float64(requestsPerMinute) / 60,
		capacity: float64(burstSize),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

func (rl *RateLimitMiddleware) disabled() bool { return rl == nil || rl.rate <= 0 }

// Allow spends one token from key's bucket. Nil and disabled limiters always
// allow.
func (rl *RateLimitMiddleware) Allow(key string) bool {
	if rl.disabled() {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity, updated: now}
		rl.buckets[key] = b
	}
	return b.take(now, rl.rate, rl.capacity)
}

// Wrap limits REST requests and WebSocket handshakes. /healthz is exempt so
// supervisors can poll it freely.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if rl.disabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !rl.Allow(ClientKey(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EvictStale forgets clients idle for at least maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.buckets)
	for key, b := range rl.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(rl.buckets, key)
		}
	}
	if n := before - len(rl.buckets); n > 0 {
		slog.Debug("rate limiter eviction", "evicted", n, "remaining", len(rl.buckets))
	}
}

// StartEviction runs EvictStale every interval until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// ClientKey identifies the caller: its bearer token when present, otherwise
// the remote host.
func ClientKey(r *http.Request) string {
	if key := ExtractToken(r); key != "" {
		return key
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
