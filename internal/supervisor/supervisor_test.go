package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/hub"
	"github.com/supabase-realtime/realtime/internal/tenant"
)

type noopAuthz struct{}

func (noopAuthz) CanRead(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return true, nil
}
func (noopAuthz) CanWrite(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return true, nil
}

// dialNoPool simulates a successful pool dial without opening a real
// database connection; Drain's nil check makes this safe to close.
func dialNoPool(ctx context.Context, t tenant.Tenant) (*pgxpool.Pool, error) {
	return nil, nil
}

func dialFails(ctx context.Context, t tenant.Tenant) (*pgxpool.Pool, error) {
	return nil, errors.New("connection refused")
}

func TestAcquire_FailureTransitionsToStopped(t *testing.T) {
	h := hub.New(noopAuthz{}, 2, nil)
	s := New(h, time.Minute, 0, dialFails)

	err := s.Acquire(context.Background(), tenant.Tenant{ExternalID: "acme"}, false)
	if err == nil {
		t.Fatal("expected dial failure to surface an error")
	}
	if s.State("acme") != Stopped {
		t.Fatalf("expected Stopped after failed start, got %s", s.State("acme"))
	}
}

func TestAcquire_SuccessReachesReady(t *testing.T) {
	h := hub.New(noopAuthz{}, 2, nil)
	s := New(h, time.Minute, 0, dialNoPool)

	if err := s.Acquire(context.Background(), tenant.Tenant{ExternalID: "acme"}, false); err != nil {
		t.Fatalf("expected successful acquire, got %v", err)
	}
	if s.State("acme") != Ready {
		t.Fatalf("expected Ready after successful start, got %s", s.State("acme"))
	}
}

func TestAcquire_ConcurrentCallersShareOneProc(t *testing.T) {
	h := hub.New(noopAuthz{}, 2, nil)
	s := New(h, time.Minute, 0, dialNoPool)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Acquire(context.Background(), tenant.Tenant{ExternalID: "acme"}, false)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent acquire %d failed: %v", i, err)
		}
	}
	if got := s.procFor("acme").refCount; got != 2 {
		t.Fatalf("expected both callers to share one proc with refCount 2, got %d", got)
	}
}

func TestIdleSweep_DrainsAfterTimeout(t *testing.T) {
	h := hub.New(noopAuthz{}, 2, nil)
	s := New(h, 10*time.Millisecond, 0, dialNoPool)

	if err := s.Acquire(context.Background(), tenant.Tenant{ExternalID: "acme"}, false); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	s.Release("acme")

	time.Sleep(30 * time.Millisecond)
	s.IdleSweep()

	if s.State("acme") != Stopped {
		t.Fatalf("expected idle tenant to be drained to Stopped, got %s", s.State("acme"))
	}
}

func TestPool_UnavailableForNonReadyTenant(t *testing.T) {
	h := hub.New(noopAuthz{}, 2, nil)
	s := New(h, time.Minute, 0, dialFails)

	_ = s.Acquire(context.Background(), tenant.Tenant{ExternalID: "acme"}, false)
	if _, ok := s.Pool("acme"); ok {
		t.Fatal("expected no pool for a tenant that failed to start")
	}
}
