package app

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"examroom/internal/app/apiresp"

	"golang.org/x/time/rate"
)

const csrfCookieName = "examroom_csrf"
const csrfHeaderName = "X-CSRF-Token"

// IPRateLimiter keeps one token bucket per key. max requests are allowed
// per window, with bursts up to max. A bucket idle for a whole window is
// full again, so such keys are swept at most once per window.
type IPRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	window    time.Duration
	limiters  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(max int, window time.Duration) *IPRateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &IPRateLimiter{
		limit:     rate.Every(window / time.Duration(max)),
		burst:     max,
		window:    window,
		limiters:  make(map[string]*visitor),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *IPRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(now)
	}
	v, ok := l.limiters[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.lim.AllowN(now, 1)
}

// sweep drops idle keys; callers hold mu.
func (l *IPRateLimiter) sweep(now time.Time) {
	for k, v := range l.limiters {
		if now.Sub(v.lastSeen) >= l.window {
			delete(l.limiters, k)
		}
	}
	l.lastSweep = now
}

func (l *IPRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func RateLimitMiddleware(l *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := strings.TrimSpace(r.RemoteAddr)
			key := ip + "|" + r.Method + "|" + r.URL.Path
			if !l.Allow(key) {
				apiresp.WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFMiddleware checks the double-submit cookie on unsafe methods.
func CSRFMiddleware(enforced bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enforced {
				next.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			c, err := r.Cookie(csrfCookieName)
			if err != nil || strings.TrimSpace(c.Value) == "" {
				apiresp.WriteError(w, r, http.StatusForbidden, "csrf token missing")
				return
			}
			h := strings.TrimSpace(r.Header.Get(csrfHeaderName))
			if h == "" || h != c.Value {
				apiresp.WriteError(w, r, http.StatusForbidden, "csrf token invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
