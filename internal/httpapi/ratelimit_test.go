package httpapi

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/hub"
	"github.com/supabase-realtime/realtime/internal/ratelimit"
	"github.com/supabase-realtime/realtime/internal/tenant"
)

type testAuthz struct{}

func (testAuthz) CanRead(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return true, nil
}

func (testAuthz) CanWrite(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return true, nil
}

type fakeStore struct{ tenants map[string]tenant.Tenant }

func (f *fakeStore) FetchTenant(ctx context.Context, externalID string) (tenant.Tenant, error) {
	t, ok := f.tenants[externalID]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) FetchAllTenants(ctx context.Context) ([]tenant.Tenant, error) {
	out := make([]tenant.Tenant, 0, len(f.tenants))
	for _, t := range f.tenants {
		out = append(out, t)
	}
	return out, nil
}

func newTestServer(t *testing.T, burst int) *Server {
	t.Helper()
	store := &fakeStore{tenants: map[string]tenant.Tenant{
		"acme": {ExternalID: "acme"},
		"beta": {ExternalID: "beta"},
	}}
	registry := tenant.New(store, 0, 0)
	h := hub.New(testAuthz{}, 2, nil)
	limiter := ratelimit.New(func(string) ratelimit.Limits {
		return ratelimit.Limits{EventsPerSec: 1000, Burst: burst}
	}, nil)

	return &Server{
		Registry: registry,
		Verifier: auth.NewVerifier(),
		Limiter:  limiter,
		Hub:      h,
	}
}

func TestBroadcast_SucceedsWithinBurst(t *testing.T) {
	srv := newTestServer(t, 2)
	router := srv.Routes()

	body := []byte(`{"messages":[{"topic":"room:lobby","event":"msg","payload":{"a":1}}]}`)
	req := httptest.NewRequest("POST", "/api/broadcast", bytes.NewReader(body))
	req.Host = "acme.realtime.example.com"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBroadcast_RateLimitedOverBurst(t *testing.T) {
	srv := newTestServer(t, 1)
	router := srv.Routes()

	body := []byte(`{"messages":[{"topic":"room:lobby","event":"msg","payload":{}}]}`)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/broadcast", bytes.NewReader(body))
		req.Host = "acme.realtime.example.com"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if i == 0 && rec.Code != 200 {
			t.Fatalf("expected first request within burst to succeed, got %d", rec.Code)
		}
		if i == 1 && rec.Code != 429 {
			t.Fatalf("expected second request over burst to be rate limited, got %d", rec.Code)
		}
	}
}

func TestBroadcast_UnknownTenantReturns404(t *testing.T) {
	srv := newTestServer(t, 5)
	router := srv.Routes()

	req := httptest.NewRequest("POST", "/api/broadcast", bytes.NewReader([]byte(`{}`)))
	req.Host = "ghost.realtime.example.com"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404 for unknown tenant, got %d", rec.Code)
	}
}

func TestBroadcast_TenantsRateLimitedIndependently(t *testing.T) {
	srv := newTestServer(t, 1)
	router := srv.Routes()

	body := []byte(`{"messages":[{"topic":"room:lobby","event":"msg","payload":{}}]}`)

	reqA := httptest.NewRequest("POST", "/api/broadcast", bytes.NewReader(body))
	reqA.Host = "acme.realtime.example.com"
	recA := httptest.NewRecorder()
	router.ServeHTTP(recA, reqA)
	if recA.Code != 200 {
		t.Fatalf("expected acme's first request to succeed, got %d", recA.Code)
	}

	reqB := httptest.NewRequest("POST", "/api/broadcast", bytes.NewReader(body))
	reqB.Host = "beta.realtime.example.com"
	recB := httptest.NewRecorder()
	router.ServeHTTP(recB, reqB)
	if recB.Code != 200 {
		t.Fatalf("expected beta's bucket to be independent of acme's, got %d", recB.Code)
	}
}
