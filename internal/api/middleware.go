package api

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"weavebox/internal/logging"
)

// Logger wraps a handler with request logging.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		// Health checks and thumbnails are too chatty to log.
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/api/drive/thumbnail/") {
			return
		}

		logging.HTTP.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general API requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// HeavyRequestsPerMinute limits staging, import and upload runs per IP
	HeavyRequestsPerMinute float64
	// HeavyBurstSize is the maximum burst for heavy requests
	HeavyBurstSize int
	// IdleTimeout drops the limiter of an IP not seen for this long
	IdleTimeout time.Duration
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:      10,
		BurstSize:              20,
		HeavyRequestsPerMinute: 30,
		HeavyBurstSize:         10,
		IdleTimeout:            10 * time.Minute,
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// ipRateLimiter manages per-IP rate limiters.
type ipRateLimiter struct {
	limiters sync.Map // map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(r float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
	}
}

func (rl *ipRateLimiter) getLimiter(ip string, now time.Time) *rate.Limiter {
	v, ok := rl.limiters.Load(ip)
	if !ok {
		v, _ = rl.limiters.LoadOrStore(ip, &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)})
	}
	l := v.(*ipLimiter)
	l.lastSeen.Store(now.UnixNano())
	return l.limiter
}

func (rl *ipRateLimiter) cleanup(cutoff time.Time) int {
	removed := 0
	rl.limiters.Range(func(key, v any) bool {
		if v.(*ipLimiter).lastSeen.Load() < cutoff.UnixNano() {
			rl.limiters.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// RateLimiter is a per-IP rate limiting middleware with a background sweep
// of idle clients.
type RateLimiter struct {
	general *ipRateLimiter
	heavy   *ipRateLimiter
	idle    time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a rate limiter and starts its sweep goroutine.
// Call Stop to end it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		general: newIPRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize),
		heavy:   newIPRateLimiter(cfg.HeavyRequestsPerMinute/60, cfg.HeavyBurstSize),
		idle:    cfg.IdleTimeout,
		stop:    make(chan struct{}),
	}
	if rl.idle > 0 {
		go rl.sweepLoop()
	}
	return rl
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-rl.idle)
	return rl.general.cleanup(cutoff) + rl.heavy.cleanup(cutoff)
}

// Stop ends the sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func isHeavy(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch r.URL.Path {
	case "/api/files", "/api/uploads", "/api/drive/import":
		return true
	}
	return false
}

// Middleware applies stricter limits to staging, import and upload runs
// than to general API requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		now := time.Now()

		var limiter *rate.Limiter
		if isHeavy(r) {
			limiter = rl.heavy.getLimiter(ip, now)
		} else {
			limiter = rl.general.getLimiter(ip, now)
		}

		if !limiter.Allow() {
			logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractIP gets the client IP from the request, checking X-Forwarded-For for proxied requests.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the original client.
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// RemoteAddr is "IP:port".
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
