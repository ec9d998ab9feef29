// Package ratelimit implements spec.md §4.9: per-tenant token-bucket
// rate limiting over joins, events, and byte throughput.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class is a rate-limited resource class (spec.md §4.9).
type Class string

const (
	Joins        Class = "joins"
	Events       Class = "events"
	BytesIn      Class = "bytes_in"
	BytesOut     Class = "bytes_out"
	ChannelsOpen Class = "channels_open"
)

// Limits configures refill rate and burst for each resource class.
// Zero-value fields fall back to DefaultLimits.
type Limits struct {
	JoinsPerSec  float64
	EventsPerSec float64
	BytesInPerSec  float64
	BytesOutPerSec float64
	ChannelsOpenPerSec float64
	Burst int
}

// DefaultLimits are the conservative defaults spec.md §9 calls for
// ("the source's rate-limit defaults are not uniformly documented;
// this spec picks conservative values as defaults subject to
// per-tenant override").
var DefaultLimits = Limits{
	JoinsPerSec:        100,
	EventsPerSec:        1000,
	BytesInPerSec:       10 << 20,
	BytesOutPerSec:      10 << 20,
	ChannelsOpenPerSec:  100,
	Burst:               200,
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits
	if l.JoinsPerSec > 0 {
		d.JoinsPerSec = l.JoinsPerSec
	}
	if l.EventsPerSec > 0 {
		d.EventsPerSec = l.EventsPerSec
	}
	if l.BytesInPerSec > 0 {
		d.BytesInPerSec = l.BytesInPerSec
	}
	if l.BytesOutPerSec > 0 {
		d.BytesOutPerSec = l.BytesOutPerSec
	}
	if l.ChannelsOpenPerSec > 0 {
		d.ChannelsOpenPerSec = l.ChannelsOpenPerSec
	}
	if l.Burst > 0 {
		d.Burst = l.Burst
	}
	return d
}

type tenantBuckets struct {
	buckets map[Class]*rate.Limiter
}

func newTenantBuckets(limits Limits) *tenantBuckets {
	limits = limits.withDefaults()
	return &tenantBuckets{buckets: map[Class]*rate.Limiter{
		Joins:        rate.NewLimiter(rate.Limit(limits.JoinsPerSec), limits.Burst),
		Events:       rate.NewLimiter(rate.Limit(limits.EventsPerSec), limits.Burst),
		BytesIn:      rate.NewLimiter(rate.Limit(limits.BytesInPerSec), limits.Burst*1024),
		BytesOut:     rate.NewLimiter(rate.Limit(limits.BytesOutPerSec), limits.Burst*1024),
		ChannelsOpen: rate.NewLimiter(rate.Limit(limits.ChannelsOpenPerSec), limits.Burst),
	}}
}

// Limiter manages one token bucket per (tenant, resource class).
type Limiter struct {
	mu       sync.RWMutex
	perTenant map[string]*tenantBuckets
	limitsFor func(tenantExternalID string) Limits
	metrics   *Metrics
}

// New creates a Limiter. limitsFor resolves the per-tenant override
// (derived from the tenant record's max_events_per_sec etc., spec.md
// §3); pass nil to use DefaultLimits for every tenant.
func New(limitsFor func(tenantExternalID string) Limits, metrics *Metrics) *Limiter {
	return &Limiter{
		perTenant: make(map[string]*tenantBuckets),
		limitsFor: limitsFor,
		metrics:   metrics,
	}
}

// Allow consumes n tokens from tenant's bucket for class, reporting
// whether the operation is permitted. n is typically 1 for joins and
// events, or a byte count for bytes_in/bytes_out.
func (l *Limiter) Allow(tenantExternalID string, class Class, n int) bool {
	b := l.bucketsFor(tenantExternalID)
	ok := b.buckets[class].AllowN(time.Now(), n)
	if l.metrics != nil {
		l.metrics.observe(tenantExternalID, class, ok)
	}
	return ok
}

// InvalidateTenant drops a tenant's buckets so a subsequent request
// picks up fresh limits (e.g. after a tenant config update).
func (l *Limiter) InvalidateTenant(tenantExternalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perTenant, tenantExternalID)
}

func (l *Limiter) bucketsFor(tenantExternalID string) *tenantBuckets {
	l.mu.RLock()
	b, ok := l.perTenant[tenantExternalID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.perTenant[tenantExternalID]; ok {
		return b
	}

	limits := DefaultLimits
	if l.limitsFor != nil {
		limits = l.limitsFor(tenantExternalID)
	}
	b = newTenantBuckets(limits)
	l.perTenant[tenantExternalID] = b
	return b
}
