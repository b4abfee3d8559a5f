package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig is a fixed-window limit. Both fields must be > 0.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// Limit scopes. Each scope counts separately for the same client.
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
	ScopeStatus  = "status"
)

// DefaultGlobalLimit applies to every request.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 120, WindowDuration: time.Minute}
}

// DefaultSessionLimit applies to session creation, which calls a gateway and
// writes a purchase row.
func DefaultSessionLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// DefaultStatusLimit applies to status checks. The success page polls, so
// this is looser than session creation.
func DefaultStatusLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 60, WindowDuration: time.Minute}
}

// RateLimitStore holds rate limit counters.
type RateLimitStore interface {
	// Allow reports whether the request keyed by key fits in the current
	// window, and otherwise how many seconds until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore is a fixed-window RateLimitStore for a single
// instance.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, 0
	}
	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0
	}
	return false, retrySeconds(b.windowEnd.Sub(now))
}

// Cleanup drops expired windows. Run it every few windows.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, b := range s.buckets {
		if !now.Before(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (s *InMemoryRateLimitStore) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		return 1
	}
	return secs
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys requests by client IP. The first X-Forwarded-For hop wins,
// then X-Real-IP, then RemoteAddr.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// RateLimiter rejects requests over config with 429 and a JSON error body.
// metrics may be nil.
func RateLimiter(store RateLimitStore, scope string, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := normalizePath(r.URL.Path)
			if metrics != nil {
				metrics.IncRateLimitRequests(route, scope)
			}

			allowed, retryAfter := store.Allow(r.Context(), scope+":"+keyFunc(r), config)
			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(route, scope)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetAt := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
				writeJSONError(w, r.Context(), http.StatusTooManyRequests, "rate_limited",
					"リクエストが多すぎます。しばらくしてから再度お試しください。")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes the {"error":{"code","message"}} envelope used by
// the api package, which this package cannot import.
func writeJSONError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(ctx, code))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}
