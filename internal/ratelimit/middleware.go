package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"goflare.io/scribe/internal/httpx"
)

// Middleware rejects requests over the quota with 429 and a JSON message.
// The client identity is its address, or the first X-Forwarded-For hop
// when trustProxy is set.
func (l *Limiter) Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), httpx.ClientIP(r, trustProxy))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				httpx.WriteMessage(w, http.StatusTooManyRequests, l.rule.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
