package httpapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/supabase-realtime/realtime/internal/ratelimit"
)

// RateLimitMiddleware enforces the tenant's events-per-second bucket
// (spec.md §4.9) on the routes it wraps: the HTTP broadcast endpoint and
// the WebSocket upgrade endpoints. Each request consumes one "event"
// token regardless of how many messages it batches; the messages inside
// a batch are not rate limited individually.
func RateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantID(r.Context())
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(tenantID, ratelimit.Events, 1) {
				w.Header().Set("Retry-After", "1")
				log.Warn().Str("tenant", tenantID).Str("path", r.URL.Path).Msg("rate limit exceeded")
				writeError(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
