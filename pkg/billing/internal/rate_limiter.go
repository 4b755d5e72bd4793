package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL      = 10 * time.Minute
	defaultCleanupEvery = 100
)

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits webhook requests per client IP with a token bucket per peer.
// Peers idle for longer than the idle TTL are forgotten.
type RateLimiter struct {
	mu           sync.Mutex
	peers        map[string]*peerLimiter
	limit        rate.Limit
	burst        int
	idleTTL      time.Duration
	requestCount int
	cleanupEvery int
	now          func() time.Time
}

// NewRateLimiter allows limit requests per window for each client IP, with a burst of limit
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	idle := defaultIdleTTL
	if window > idle {
		idle = window
	}
	return &RateLimiter{
		peers:        make(map[string]*peerLimiter),
		limit:        rate.Every(window / time.Duration(limit)),
		burst:        limit,
		idleTTL:      idle,
		cleanupEvery: defaultCleanupEvery,
		now:          time.Now,
	}
}

// Allow reports whether a request from ip may proceed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.requestCount++
	if rl.requestCount >= rl.cleanupEvery {
		rl.requestCount = 0
		rl.cleanupIdle(now)
	}

	peer, ok := rl.peers[ip]
	if !ok {
		peer = &peerLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.peers[ip] = peer
	}
	peer.lastSeen = now
	return peer.limiter.AllowN(now, 1)
}

// cleanupIdle drops peers not seen within idleTTL. Caller holds mu.
func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for ip, peer := range rl.peers {
		if now.Sub(peer.lastSeen) > rl.idleTTL {
			delete(rl.peers, ip)
		}
	}
}

// Cleanup removes idle peers; callers may run it from a background ticker
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupIdle(rl.now())
}

// Size returns the number of tracked peers
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.peers)
}

// Middleware wraps HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (set by proxies/load balancers),
// then falls back to the host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
