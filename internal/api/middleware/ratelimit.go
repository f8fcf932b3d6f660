package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/athens-ehs/athens/internal/api/respond"
	"golang.org/x/time/rate"
)

// KeyedLimiter implements per-key rate limiting with automatic cleanup of
// stale entries. Keys are client IPs for anonymous routes and principal
// ids for authenticated ones.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	stop     chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewKeyedLimiter allows reqsPerMin requests per minute per key, with a
// burst of the same size. A background goroutine evicts keys idle for an
// hour; call Stop to end it.
func NewKeyedLimiter(reqsPerMin int) *KeyedLimiter {
	kl := &KeyedLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Every(time.Minute / time.Duration(reqsPerMin)),
		burst:    reqsPerMin,
		stop:     make(chan struct{}),
	}
	go kl.cleanupLoop(10 * time.Minute)
	return kl
}

// Allow checks whether a request under the given key may proceed.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	entry, ok := kl.limiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter:    rate.NewLimiter(kl.rate, kl.burst),
			lastAccess: time.Now(),
		}
		kl.limiters[key] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	limiter := entry.limiter
	kl.mu.Unlock()

	return limiter.Allow()
}

// Stop ends the cleanup goroutine.
func (kl *KeyedLimiter) Stop() {
	close(kl.stop)
}

func (kl *KeyedLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kl.cleanup()
		case <-kl.stop:
			return
		}
	}
}

func (kl *KeyedLimiter) cleanup() {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	threshold := time.Now().Add(-1 * time.Hour)
	for key, entry := range kl.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(kl.limiters, key)
		}
	}
}

// LimitByIP throttles a route per client IP. 429 responses carry a
// Retry-After header.
func LimitByIP(kl *KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !kl.Allow(clientIP(r)) {
				respond.RateLimited(w, 60)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitByPrincipal throttles a route per authenticated principal. Chain
// after RequireAuth.
func LimitByPrincipal(kl *KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if scope := ScopeFromContext(r.Context()); scope != nil {
				key = scope.Claims.UserID
			}
			if !kl.Allow(key) {
				respond.RateLimited(w, 60)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
