// Package limiter throttles job submission with a global token bucket, one
// bucket per client address and a cap on requests in flight.
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dojocodes/sandbox/internal/metrics"
)

// Config controls the limiter. Zero rates disable the matching check.
type Config struct {
	GlobalRPS     float64
	PerIPRPS      float64
	PerIPBurst    int
	MaxConcurrent int
	IdleTTL       time.Duration

	// TrustProxy takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable it only behind a proxy that sets those headers.
	TrustProxy bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter decides whether a request may proceed.
type RateLimiter struct {
	global        *rate.Limiter
	ipRate        rate.Limit
	ipBurst       int
	maxConcurrent int
	idleTTL       time.Duration
	trustProxy    bool

	mu       sync.Mutex
	visitors map[string]*visitor
	inFlight int
	now      func() time.Time
}

// New creates a limiter from cfg.
func New(cfg Config) *RateLimiter {
	rl := &RateLimiter{
		ipRate:        rate.Limit(cfg.PerIPRPS),
		ipBurst:       cfg.PerIPBurst,
		maxConcurrent: cfg.MaxConcurrent,
		idleTTL:       cfg.IdleTTL,
		trustProxy:    cfg.TrustProxy,
		visitors:      make(map[string]*visitor),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), max(1, int(cfg.GlobalRPS)*2))
	}
	if rl.ipBurst <= 0 {
		rl.ipBurst = 1
	}
	if rl.idleTTL <= 0 {
		rl.idleTTL = 10 * time.Minute
	}
	return rl
}

// Allow reserves an in-flight slot for ip. Callers that get true must call
// Done when the request finishes.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.global != nil && !rl.global.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.ipRate > 0 {
		v, ok := rl.visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
			rl.visitors[ip] = v
		}
		v.lastSeen = rl.now()
		if !v.limiter.Allow() {
			metrics.RateLimitHits.Inc()
			return false
		}
	}

	if rl.maxConcurrent > 0 && rl.inFlight >= rl.maxConcurrent {
		metrics.RateLimitHits.Inc()
		return false
	}
	rl.inFlight++
	return true
}

// Done releases a slot taken by Allow.
func (rl *RateLimiter) Done() {
	rl.mu.Lock()
	if rl.inFlight > 0 {
		rl.inFlight--
	}
	rl.mu.Unlock()
}

// Middleware rejects requests over the limits with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		defer rl.Done()
		next.ServeHTTP(w, r)
	})
	if rl.trustProxy {
		return middleware.RealIP(h)
	}
	return h
}

// Cleanup drops visitors idle for longer than the configured TTL and
// returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTTL)
	n := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
			n++
		}
	}
	return n
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// clientIP is the host part of RemoteAddr. RealIP has already replaced
// RemoteAddr with the forwarded address when proxies are trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
