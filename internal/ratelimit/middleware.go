package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"github.com/keithlinneman/portfolio-web/internal/httpmw"
)

// Middleware applies the default policy per client ip
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return l.handler("", l.policy, next)
}

// Limit returns middleware with its own policy for one route group. Keys are
// prefixed with scope so a route budget doesn't share counters with the global one.
func (l *Limiter) Limit(scope string, p Policy) func(http.Handler) http.Handler {
	p = p.orDefaults(l.policy)
	return func(next http.Handler) http.Handler {
		return l.handler(scope, p, next)
	}
}

func (l *Limiter) handler(scope string, p Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if scope != "" {
			key = scope + ":" + key
		}

		res, err := l.CheckPolicy(r.Context(), key, p)
		if err != nil {
			// a broken store must not take the site down with it
			l.failLog.Do(func() {
				l.logger.Error(r.Context(), err, "rate limit store failed, allowing request", "key", key)
			})
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		if !res.Allowed {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		next.ServeHTTP(w, r)
	})
}

// clientKey uses the ip resolved by httpmw.ClientIP, falling back to the socket peer
func clientKey(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
