package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/p-poon/pantry-pilot/pkg/httpx"
)

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	limiters sync.Map
	rps      rate.Limit
	burst    int
	log      *zap.Logger
}

type limiterEntry struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

func NewRateLimiter(rps float64, burst int, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, log: log}
}

func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	val, _ := rl.limiters.LoadOrStore(key, &limiterEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)})
	entry := val.(*limiterEntry)
	entry.mu.Lock()
	entry.lastAccess = now
	entry.mu.Unlock()
	return entry.limiter
}

// Prune drops buckets idle for longer than idle and returns how many were removed.
func (rl *RateLimiter) Prune(now time.Time, idle time.Duration) int {
	removed := 0
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := now.Sub(entry.lastAccess) > idle
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientID(r)
		if !rl.limiterFor(client, time.Now()).Allow() {
			rl.log.Warn("rate limit exceeded",
				zap.String("client_id", client),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
			)
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
