package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coderunr/judger/internal/metrics"
)

// RateLimiter applies a global and a per-client token bucket
type RateLimiter struct {
	global  *rate.Limiter
	clients sync.Map // ip -> *clientLimiter
	ipRate  rate.Limit
	ipBurst int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. A non-positive rate disables that bucket.
func NewRateLimiter(globalRPS, perIPRPS float64, perIPBurst int) *RateLimiter {
	rl := &RateLimiter{
		global:  rate.NewLimiter(rate.Inf, 0),
		ipRate:  rate.Inf,
		ipBurst: max(perIPBurst, 1),
	}
	if globalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRPS), max(int(globalRPS)*2, 1))
	}
	if perIPRPS > 0 {
		rl.ipRate = rate.Limit(perIPRPS)
	}
	return rl
}

func (rl *RateLimiter) client(ip string) *rate.Limiter {
	v, _ := rl.clients.LoadOrStore(ip, &clientLimiter{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)})
	c := v.(*clientLimiter)
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
	return c.limiter
}

// Allow reports whether a request from ip may proceed
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.global.Allow() || !rl.client(ip).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Handler rejects requests over the limit with 429
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		if !rl.Allow(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Prune drops client buckets idle for longer than idle
func (rl *RateLimiter) Prune(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	rl.clients.Range(func(key, value any) bool {
		c := value.(*clientLimiter)
		c.mu.Lock()
		stale := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if stale {
			rl.clients.Delete(key)
		}
		return true
	})
}

// StartCleanup prunes idle clients every interval until stop is closed
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Prune(interval)
			case <-stop:
				return
			}
		}
	}()
}
