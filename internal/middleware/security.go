package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers suited to a JSON API.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

// BearerAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the check.
func BearerAuthMiddleware(token string, logger *logrus.Logger) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				logger.WithFields(logrus.Fields{
					"path":        r.URL.Path,
					"remote_addr": ClientIP(r),
				}).Warn("Rejected request with missing or invalid token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="sealdrop"`)
				writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter implements a fixed-window limiter per client.
type RateLimiter struct {
	mu              sync.Mutex
	requests        map[string]*tokenBucket
	limit           int
	window          time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *logrus.Logger
	now             func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per window.
// Stop must be called to release its cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		requests:        make(map[string]*tokenBucket),
		limit:           limit,
		window:          window,
		cleanupInterval: window * 2,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
		now:             time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, bucket := range rl.requests {
				if now.Sub(bucket.lastUpdate) > rl.cleanupInterval {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Allow reports whether a request from key fits in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, exists := rl.requests[key]
	if !exists || now.Sub(bucket.lastUpdate) >= rl.window {
		rl.requests[key] = &tokenBucket{tokens: rl.limit - 1, lastUpdate: now}
		return true
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the peer
// address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// RateLimitMiddleware enforces limiter per client address.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIP(r)
			if !limiter.Allow(client) {
				limiter.logger.WithFields(logrus.Fields{
					"client": client,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")
				w.Header().Set("Retry-After", retryAfterSeconds(limiter.window))
				writeJSONError(w, http.StatusTooManyRequests, "SlowDown", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
