package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per principal: the authenticated user, or
// the client address of anonymous requests.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	limiters sync.Map // principal -> *cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithLimit sets the sustained rate per second and the burst. A zero rate
// disables limiting.
func WithLimit(perSecond float64, burst int) Option {
	return func(l *RateLimiter) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle principal's limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// NewRateLimiter creates a RateLimiter. The defaults allow 50 requests per
// second with a burst of 100.
func NewRateLimiter(opts ...Option) *RateLimiter {
	l := &RateLimiter{
		limit: 50,
		burst: 100,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *RateLimiter) get(principal string) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(principal); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			cached.expiresAt = now.Add(l.ttl)
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(principal, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}

func principal(r *http.Request) string {
	if u, ok := UserFromContext(r.Context()); ok {
		return "user:" + u.ID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// Middleware returns the HTTP middleware. It must run after AuthMiddleware.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// RateLimit=0 means unlimited
			if l.limit > 0 && !l.get(principal(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
