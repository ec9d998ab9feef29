package tenant

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Sentinel errors returned by Lookup, matching spec.md §4.1's contract
// `lookup(id) -> Tenant | NotFound | Suspended`.
var (
	ErrNotFound  = errors.New("tenant: not found")
	ErrSuspended = errors.New("tenant: suspended")
)

// Store is the control-database read surface the registry fetches
// through. Implementations wrap a pgxpool.Pool (or, in tests, a fake).
type Store interface {
	FetchTenant(ctx context.Context, externalID string) (Tenant, error)
	FetchAllTenants(ctx context.Context) ([]Tenant, error)
}

// Registry is a fetch-through LRU+TTL cache over the control database,
// implementing spec.md §4.1 TenantRegistry.
type Registry struct {
	store Store
	ttl   time.Duration
	cap   int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	group singleflight.Group

	invalidateFns []func(externalID string)
}

type cacheEntry struct {
	key       string
	tenant    Tenant
	fetchedAt time.Time
}

// New creates a Registry with the given TTL (spec.md §4.1: "TTL <= 60s")
// and a maximum number of cached tenants.
func New(store Store, ttl time.Duration, capacity int) *Registry {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Registry{
		store:   store,
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// OnInvalidate registers a callback invoked whenever a tenant entry is
// invalidated, so dependent caches (JWTVerifier's per-token cache,
// AuthorizationStore's per-topic cache) can evict in lockstep.
func (r *Registry) OnInvalidate(fn func(externalID string)) {
	r.mu.Lock()
	r.invalidateFns = append(r.invalidateFns, fn)
	r.mu.Unlock()
}

// Lookup resolves a tenant by external id, serving from cache when
// fresh and coalescing concurrent misses for the same id via
// singleflight (spec.md §4.1).
func (r *Registry) Lookup(ctx context.Context, externalID string) (Tenant, error) {
	if t, ok := r.getFresh(externalID); ok {
		return checkSuspended(t)
	}

	v, err, _ := r.group.Do(externalID, func() (any, error) {
		// Re-check the cache: another goroutine may have populated it
		// while we waited to enter the singleflight critical section.
		if t, ok := r.getFresh(externalID); ok {
			return t, nil
		}
		t, err := r.store.FetchTenant(ctx, externalID)
		if err != nil {
			return Tenant{}, err
		}
		r.put(t)
		return t, nil
	})
	if err != nil {
		return Tenant{}, err
	}
	return checkSuspended(v.(Tenant))
}

func checkSuspended(t Tenant) (Tenant, error) {
	if t.Suspended {
		return Tenant{}, ErrSuspended
	}
	return t, nil
}

// Invalidate evicts a tenant's cache entry immediately and runs the
// OnInvalidate callbacks. The eviction is local to this node: nothing
// relays it to other nodes, whose cached copies stay until their TTL
// expires.
func (r *Registry) Invalidate(externalID string) {
	r.mu.Lock()
	if el, ok := r.entries[externalID]; ok {
		r.order.Remove(el)
		delete(r.entries, externalID)
	}
	fns := append([]func(string){}, r.invalidateFns...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(externalID)
	}
}

// RefreshAll re-fetches every tenant from the control database and
// replaces the cache wholesale. Used on boot.
func (r *Registry) RefreshAll(ctx context.Context) error {
	tenants, err := r.store.FetchAllTenants(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.entries = make(map[string]*list.Element)
	r.order.Init()
	r.mu.Unlock()

	for _, t := range tenants {
		r.put(t)
	}
	log.Info().Int("count", len(tenants)).Msg("tenant registry refreshed")
	return nil
}

func (r *Registry) getFresh(externalID string) (Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[externalID]
	if !ok {
		return Tenant{}, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Since(entry.fetchedAt) > r.ttl {
		r.order.Remove(el)
		delete(r.entries, externalID)
		return Tenant{}, false
	}
	r.order.MoveToFront(el)
	return entry.tenant, true
}

func (r *Registry) put(t Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[t.ExternalID]; ok {
		el.Value.(*cacheEntry).tenant = t
		el.Value.(*cacheEntry).fetchedAt = time.Now()
		r.order.MoveToFront(el)
		return
	}

	entry := &cacheEntry{key: t.ExternalID, tenant: t, fetchedAt: time.Now()}
	el := r.order.PushFront(entry)
	r.entries[t.ExternalID] = el

	for r.order.Len() > r.cap {
		back := r.order.Back()
		if back == nil {
			break
		}
		r.order.Remove(back)
		delete(r.entries, back.Value.(*cacheEntry).key)
	}
}
