package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"sync"

	"github.com/treykane/wstunnel-manager/internal/util"
	"golang.org/x/time/rate"
)

// tokenMiddleware requires the X-API-Key header to match token.
func tokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing api key"})
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiter applies a per-client-IP token bucket.
type limiter struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiter(perMinute int) *limiter {
	if perMinute <= 0 {
		perMinute = util.DefaultAPIRateLimit
	}
	return &limiter{perMinute: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (l *limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[client]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perMinute)/60, l.perMinute)
		l.limiters[client] = lim
	}
	return lim
}

func (l *limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !l.get(client).Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
