package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/supabase-realtime/realtime/internal/tenant"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlationId"
	tenantKey        contextKey = "tenantId"
)

// TenantMiddleware resolves the requesting tenant per spec.md §6: via the
// Host header's leading subdomain, falling back to an explicit apikey
// header. Unresolvable or unknown tenants are rejected before any
// handler runs; suspended tenants get a distinct client-visible reason.
func TenantMiddleware(registry *tenant.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			externalID := subdomain(r.Host)
			if externalID == "" {
				externalID = r.Header.Get("apikey")
			}
			if externalID == "" {
				writeError(w, r, http.StatusBadRequest, "Unable to determine tenant from Host or apikey header")
				return
			}

			t, err := registry.Lookup(r.Context(), externalID)
			switch {
			case err == tenant.ErrNotFound:
				writeError(w, r, http.StatusNotFound, "Tenant not found")
				return
			case err == tenant.ErrSuspended:
				writeError(w, r, http.StatusForbidden, "Tenant suspended")
				return
			case err != nil:
				log.Error().Err(err).Str("tenant", externalID).Msg("tenant lookup failed")
				writeError(w, r, http.StatusServiceUnavailable, "Tenant lookup unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), tenantKey, t)
			logger := log.Ctx(ctx).With().Str("tenant", t.ExternalID).Logger()
			ctx = logger.WithContext(ctx)
			r = r.WithContext(ctx)

			next.ServeHTTP(w, r)
		})
	}
}

// subdomain returns the leading label of host ("acme.realtime.example.com"
// -> "acme"), or "" if host has no subdomain part (e.g. a bare IP or a
// single-label host).
func subdomain(host string) string {
	host, _, _ = strings.Cut(host, ":")
	if net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	return labels[0]
}

// TenantFromContext retrieves the resolved tenant from context, as set
// by TenantMiddleware.
func TenantFromContext(ctx context.Context) (tenant.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(tenant.Tenant)
	return t, ok
}

// TenantID retrieves the resolved tenant's external ID from context, or
// "" if TenantMiddleware has not run.
func TenantID(ctx context.Context) string {
	if t, ok := TenantFromContext(ctx); ok {
		return t.ExternalID
	}
	return ""
}

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context
// Generates a new correlation ID if client doesn't provide one
// This enables end-to-end request tracing across client and server logs
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}
