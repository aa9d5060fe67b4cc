package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sentinel/pkg/threat"
	"sentinel/pkg/usage"
)

// Paths that bypass the block check and rate limiter.
var bypassPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rps      rate.Limit
	burst    int
}

func newIPRateLimiter(rps int, burst int) *ipRateLimiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = rps
	}
	l := &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.cleanupLoop()
	return l
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = lim
	}
	l.lastSeen[ip] = time.Now()
	l.mu.Unlock()
	return lim.Allow()
}

func (l *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for ip, seen := range l.lastSeen {
			if seen.Before(cutoff) {
				delete(l.limiters, ip)
				delete(l.lastSeen, ip)
			}
		}
		l.mu.Unlock()
	}
}

// clientIP extracts the caller's IP. X-Forwarded-For is client-controlled,
// so it is only consulted when the operator declares a trusted proxy in
// front of the service; otherwise a blocked caller could forge the header
// and walk past the blocklist and the limiter.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			return strings.TrimSpace(xff)
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// middleware is the hot-path request hook: block check first, then per-IP
// rate limiting, then the handler, and finally unconditional telemetry
// capture for the completed request.
func (s *server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypassPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, s.trustProxy)
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		switch {
		case s.tracker.IsBlocked(ip) || s.engine.IsIPBlocked(ip):
			writeJSON(sr, http.StatusTooManyRequests, map[string]string{
				"error":   "IP_BLOCKED",
				"message": "this address is temporarily blocked",
			})
		case !s.limiter.allow(ip):
			s.engine.RecordRateLimitViolation(threat.RateLimitViolation{IP: ip, Endpoint: r.URL.Path})
			sr.Header().Set("Retry-After", "60")
			writeJSON(sr, http.StatusTooManyRequests, map[string]string{
				"error":   "RATE_LIMITED",
				"message": "too many requests, slow down",
			})
		default:
			next.ServeHTTP(sr, r)
		}

		s.usage.Observe(usage.Record{
			Time:       start,
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     sr.status,
			DurationMs: time.Since(start).Milliseconds(),
			IP:         ip,
			UserID:     r.Header.Get("X-User-Id"),
			UserEmail:  r.Header.Get("X-User-Email"),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
