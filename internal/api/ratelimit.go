package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the IP-based rate limiter
type RateLimitConfig struct {
	RequestsPerSecond float64       // Requests allowed per second per IP
	Burst             int           // Maximum burst size
	CleanupInterval   time.Duration // How often to clean up stale limiters
	TrustProxy        bool          // Honour X-Forwarded-For / X-Real-IP
}

// DefaultRateLimitConfig returns production-safe defaults. A busy mat client
// issues a handful of writes per tap, so the burst is generous.
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 20,
	Burst:             40,
	CleanupInterval:   5 * time.Minute,
}

// clientBucket is one client's token bucket
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles HTTP requests per client IP. Rejections report how
// long the client must wait, so Retry-After is exact rather than a guess.
type IPRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	config  RateLimitConfig
	now     func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewIPRateLimiter creates a new IP-based rate limiter and starts its
// cleanup goroutine. Call Stop to release it.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitConfig.CleanupInterval
	}
	rl := &IPRateLimiter{
		clients:  make(map[string]*clientBucket),
		config:   cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop stops the rate limiter cleanup goroutine
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

// reserve takes a token for ip. Without one it returns how long until the
// next token is due.
func (rl *IPRateLimiter) reserve(ip string) (time.Duration, bool) {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.clients[ip] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		rl.rejected.Add(1)
		return time.Second, false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		rl.rejected.Add(1)
		return wait, false
	}
	rl.allowed.Add(1)
	return 0, true
}

// Allow checks if a request from the given IP should be allowed
func (rl *IPRateLimiter) Allow(ip string) bool {
	_, ok := rl.reserve(ip)
	return ok
}

// Middleware returns an HTTP middleware for rate limiting. Rejections are
// counted separately for reads and row writes.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, ok := rl.reserve(ClientIP(r, rl.config.TrustProxy))
		if !ok {
			RecordConnectionRejected("rate_limit_" + requestClass(r))
			w.Header().Set("Retry-After", retryAfter(wait))
			writeError(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup forgets clients idle for two cleanup intervals
func (rl *IPRateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.config.CleanupInterval * 2)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// Stats returns rate limiter counters
func (rl *IPRateLimiter) Stats() map[string]uint64 {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()
	return map[string]uint64{
		"allowed":  rl.allowed.Load(),
		"rejected": rl.rejected.Load(),
		"clients":  uint64(tracked),
	}
}

// requestClass splits traffic into reads and writes to the shared rows.
func requestClass(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	default:
		return "write"
	}
}

// retryAfter formats a wait as whole seconds, rounding up, minimum one.
func retryAfter(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ClientIP extracts the client IP from an HTTP request. Forwarding headers
// are only read when trustProxy is set, since any client can forge them.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx >= 0 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ConnLimiter caps concurrent long-lived connections per IP. An IP is
// forgotten once its last connection is released.
type ConnLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	maxPerIP int

	rejected atomic.Uint64
}

// NewConnLimiter creates a per-IP connection limiter
func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{open: make(map[string]int), maxPerIP: maxPerIP}
}

// Acquire reserves a slot for ip. Every successful Acquire must be paired
// with a Release.
func (cl *ConnLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.open[ip] >= cl.maxPerIP {
		cl.rejected.Add(1)
		return false
	}
	cl.open[ip]++
	return true
}

// Release frees a slot for ip
func (cl *ConnLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	switch n := cl.open[ip]; {
	case n > 1:
		cl.open[ip] = n - 1
	case n == 1:
		delete(cl.open, ip)
	}
}

// Count returns the open connections for ip
func (cl *ConnLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.open[ip]
}

// Tracked returns how many IPs hold at least one connection
func (cl *ConnLimiter) Tracked() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.open)
}

// Rejected returns how many Acquire calls were refused
func (cl *ConnLimiter) Rejected() uint64 {
	return cl.rejected.Load()
}

// OriginChecker matches Origin headers against allowed patterns. A pattern
// ending in ":*" matches any port; one starting with "*." matches any
// subdomain of the rest.
type OriginChecker struct {
	patterns []string
}

// NewOriginChecker builds a checker over patterns.
func NewOriginChecker(patterns []string) *OriginChecker {
	return &OriginChecker{patterns: patterns}
}

// Allowed reports whether origin may open a feed. Requests with no Origin
// header come from non-browser clients and are allowed.
func (oc *OriginChecker) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, p := range oc.patterns {
		if matchOrigin(p, origin) {
			return true
		}
	}
	return false
}

func matchOrigin(pattern, origin string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ":*"):
		base := strings.TrimSuffix(pattern, ":*")
		return origin == base || strings.HasPrefix(origin, base+":")
	case strings.Contains(pattern, "://*."):
		i := strings.Index(pattern, "*.")
		scheme, domain := pattern[:i], pattern[i+1:]
		return strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, domain)
	default:
		return origin == pattern
	}
}
