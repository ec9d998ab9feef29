package tenant

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	tenants map[string]Tenant
	fetches int32
}

func newFakeStore(tenants ...Tenant) *fakeStore {
	m := make(map[string]Tenant, len(tenants))
	for _, t := range tenants {
		m[t.ExternalID] = t
	}
	return &fakeStore{tenants: m}
}

func (f *fakeStore) FetchTenant(ctx context.Context, externalID string) (Tenant, error) {
	atomic.AddInt32(&f.fetches, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[externalID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) FetchAllTenants(ctx context.Context) ([]Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Tenant, 0, len(f.tenants))
	for _, t := range f.tenants {
		out = append(out, t)
	}
	return out, nil
}

func TestLookup_CachesAcrossCalls(t *testing.T) {
	store := newFakeStore(Tenant{ExternalID: "acme", MaxEventsPerSec: 100})
	reg := New(store, time.Minute, 10)

	for i := 0; i < 5; i++ {
		got, err := reg.Lookup(context.Background(), "acme")
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if got.ExternalID != "acme" {
			t.Fatalf("lookup %d: got %q", i, got.ExternalID)
		}
	}

	if store.fetches != 1 {
		t.Fatalf("expected exactly one store fetch, got %d", store.fetches)
	}
}

func TestLookup_NotFound(t *testing.T) {
	store := newFakeStore()
	reg := New(store, time.Minute, 10)

	_, err := reg.Lookup(context.Background(), "ghost")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLookup_Suspended(t *testing.T) {
	store := newFakeStore(Tenant{ExternalID: "acme", Suspended: true})
	reg := New(store, time.Minute, 10)

	_, err := reg.Lookup(context.Background(), "acme")
	if err != ErrSuspended {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
}

func TestLookup_TTLExpiryRefetches(t *testing.T) {
	store := newFakeStore(Tenant{ExternalID: "acme"})
	reg := New(store, 10*time.Millisecond, 10)

	if _, err := reg.Lookup(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := reg.Lookup(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}

	if store.fetches != 2 {
		t.Fatalf("expected 2 fetches after TTL expiry, got %d", store.fetches)
	}
}

func TestLookup_ConcurrentMissesCoalesce(t *testing.T) {
	store := newFakeStore(Tenant{ExternalID: "acme"})
	reg := New(store, time.Minute, 10)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Lookup(context.Background(), "acme")
		}()
	}
	wg.Wait()

	if store.fetches != 1 {
		t.Fatalf("expected singleflight to coalesce to 1 fetch, got %d", store.fetches)
	}
}

func TestInvalidate_EvictsAndNotifies(t *testing.T) {
	store := newFakeStore(Tenant{ExternalID: "acme"})
	reg := New(store, time.Minute, 10)

	notified := make(chan string, 1)
	reg.OnInvalidate(func(id string) { notified <- id })

	if _, err := reg.Lookup(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	reg.Invalidate("acme")

	select {
	case id := <-notified:
		if id != "acme" {
			t.Fatalf("expected notification for acme, got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("invalidate callback was not invoked")
	}

	if _, err := reg.Lookup(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if store.fetches != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", store.fetches)
	}
}

func TestRegistry_LRUEviction(t *testing.T) {
	store := newFakeStore(
		Tenant{ExternalID: "a"},
		Tenant{ExternalID: "b"},
		Tenant{ExternalID: "c"},
	)
	reg := New(store, time.Minute, 2)

	ctx := context.Background()
	if _, err := reg.Lookup(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.getFresh("a"); ok {
		t.Fatal("expected least-recently-used entry 'a' to be evicted")
	}
	if _, ok := reg.getFresh("c"); !ok {
		t.Fatal("expected most recently used entry 'c' to remain cached")
	}
}
