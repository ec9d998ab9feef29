// Package authz implements spec.md §4.3 AuthorizationStore: RLS-style
// policy evaluation against a tenant's own Postgres database.
package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/supabase-realtime/realtime/internal/auth"
)

// TenantPoolProvider resolves the bounded per-tenant DB pool that
// TenantSupervisor started (spec.md §4.4), keyed by external tenant id.
type TenantPoolProvider interface {
	Pool(tenantExternalID string) (*pgxpool.Pool, bool)
}

// Store evaluates can_read/can_write by issuing a parameterized query
// against the tenant's database inside a read-only transaction,
// result cached per (tenant, topic, role, claims-hash) for a short TTL
// (spec.md §4.3: "default 120s").
type Store struct {
	pools TenantPoolProvider
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// New constructs a Store with the given cache TTL.
func New(pools TenantPoolProvider, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	s := &Store{pools: pools, ttl: ttl, cache: make(map[string]cacheEntry)}
	go s.cleanupLoop()
	return s
}

// InvalidateTenant drops every cached decision for a tenant. Registered
// as a tenant.Registry invalidate callback so a revoked token resolves
// within one TTL at most, immediately on explicit invalidation.
func (s *Store) InvalidateTenant(tenantExternalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tenantExternalID + "\x00"
	for k := range s.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.cache, k)
		}
	}
}

// CanRead reports whether claims may subscribe to (read from) topic.
func (s *Store) CanRead(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return s.evaluate(ctx, tenantExternalID, topic, claims, "SELECT")
}

// CanWrite reports whether claims may broadcast to (write to) topic.
func (s *Store) CanWrite(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return s.evaluate(ctx, tenantExternalID, topic, claims, "INSERT")
}

func (s *Store) evaluate(ctx context.Context, tenantExternalID, topic string, claims auth.Claims, grant string) (bool, error) {
	key := cacheKey(tenantExternalID, topic, claims.Role, grant, claims.Raw)
	if allowed, ok := s.getCached(key); ok {
		return allowed, nil
	}

	pool, ok := s.pools.Pool(tenantExternalID)
	if !ok {
		return false, fmt.Errorf("authz: no database pool for tenant %s", tenantExternalID)
	}

	allowed, err := s.queryRLS(ctx, pool, topic, claims, grant)
	if err != nil {
		return false, err
	}

	s.setCached(key, allowed)
	return allowed, nil
}

// queryRLS runs the authorization check inside a read-only transaction,
// setting the session role to the JWT's role claim so Postgres RLS
// policies on realtime.channels (or tenant-authored equivalents)
// evaluate against the caller's actual grants (spec.md §4.3).
func (s *Store) queryRLS(ctx context.Context, pool *pgxpool.Pool, topic string, claims auth.Claims, grant string) (bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("authz: acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return false, fmt.Errorf("authz: begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	role := claims.Role
	if role == "" {
		role = "anon"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ROLE %s", pgx.Identifier{role}.Sanitize())); err != nil {
		return false, fmt.Errorf("authz: set role %q: %w", role, err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claims', $1, true)", claimsJSON(claims)); err != nil {
		return false, fmt.Errorf("authz: set request claims: %w", err)
	}

	var allowed bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM realtime.channels c
			WHERE c.name = $1 AND (
				($2 = 'SELECT' AND pg_catalog.has_table_privilege(current_user, 'realtime.messages', 'SELECT')) OR
				($2 = 'INSERT' AND pg_catalog.has_table_privilege(current_user, 'realtime.messages', 'INSERT'))
			)
		)`, topic, grant).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("authz: evaluate policy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("authz: commit read-only tx: %w", err)
	}
	return allowed, nil
}

func (s *Store) getCached(key string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return false, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.cache, key)
		return false, false
	}
	return e.allowed, true
}

func (s *Store) setCached(key string, allowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{allowed: allowed, expiresAt: time.Now().Add(s.ttl)}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, e := range s.cache {
			if now.After(e.expiresAt) {
				delete(s.cache, k)
			}
		}
		s.mu.Unlock()
	}
}

func cacheKey(tenantExternalID, topic, role, grant string, claims map[string]any) string {
	h := sha256.New()
	b, err := json.Marshal(claims)
	if err != nil {
		log.Warn().Err(err).Msg("authz: failed to marshal claims for cache key, using empty claims")
	} else {
		h.Write(b)
	}
	return tenantExternalID + "\x00" + topic + "\x00" + role + "\x00" + grant + "\x00" + hex.EncodeToString(h.Sum(nil))
}

func claimsJSON(claims auth.Claims) string {
	b, err := json.Marshal(claims.Raw)
	if err != nil {
		return "{}"
	}
	return string(b)
}
