// Package supervisor implements TenantSupervisor (spec.md §4.4): the
// per-tenant state machine that owns a bounded DB pool and, on the
// owning node, a CDCReplicator.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/supabase-realtime/realtime/internal/cdc"
	"github.com/supabase-realtime/realtime/internal/hub"
	"github.com/supabase-realtime/realtime/internal/tenant"
)

// State is a TenantSupervisor lifecycle state (spec.md §4.4).
type State int

const (
	Idle State = iota
	Starting
	Ready
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// UnavailableError surfaces a start failure to callers awaiting
// readiness (spec.md §4.4: "TenantUnavailable{reason}").
type UnavailableError struct {
	TenantExternalID string
	Reason           string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tenant %s unavailable: %s", e.TenantExternalID, e.Reason)
}

// DefaultPoolSize is the default bounded per-tenant DB pool size
// (spec.md §4.4: "default 3"), used by callers building the dialPool
// closure passed to New.
const DefaultPoolSize = 3

type proc struct {
	mu           sync.Mutex
	state        State
	pool         *pgxpool.Pool
	stopCDC      context.CancelFunc
	cdcDone      chan struct{}
	refCount     int
	lastActivity time.Time
}

// ReadyAnnouncer is the subset of ClusterRouter used to signal that this
// node has begun replicating a tenant, unblocking a prior owner's
// handover wait (spec.md §4.7 "replicator_ready").
type ReadyAnnouncer interface {
	AnnounceReady(ctx context.Context, tenantExternalID string)
}

// Supervisor manages every tenant's lifecycle on this node. It
// implements authz.TenantPoolProvider directly so AuthorizationStore
// can resolve a tenant's pool without a separate registry.
type Supervisor struct {
	hub               *hub.Hub
	idleShutdownAfter time.Duration
	pollInterval      time.Duration
	dialPool          func(ctx context.Context, t tenant.Tenant) (*pgxpool.Pool, error)
	announcer         ReadyAnnouncer

	mu    sync.Mutex
	procs map[string]*proc

	readyMu sync.Mutex
	ready   map[string]chan struct{}
}

// New constructs a Supervisor. dialPool opens the tenant's bounded DB
// pool (spec.md §4.4: "default 3"); callers typically build it from
// pgxpool.ParseConfig + pgxpool.NewWithConfig against the tenant's own
// postgres_cdc_settings or a dedicated application DSN.
func New(h *hub.Hub, idleShutdownAfter, pollInterval time.Duration, dialPool func(ctx context.Context, t tenant.Tenant) (*pgxpool.Pool, error)) *Supervisor {
	if idleShutdownAfter <= 0 {
		idleShutdownAfter = 5 * time.Minute
	}
	return &Supervisor{
		hub:               h,
		idleShutdownAfter: idleShutdownAfter,
		pollInterval:      pollInterval,
		dialPool:          dialPool,
		procs:             make(map[string]*proc),
		ready:             make(map[string]chan struct{}),
	}
}

// SetReadyAnnouncer wires the outbound replicator_ready signal (spec.md
// §4.7); main.go sets this to the process's ClusterRouter.
func (s *Supervisor) SetReadyAnnouncer(a ReadyAnnouncer) {
	s.announcer = a
}

// Pool implements authz.TenantPoolProvider.
func (s *Supervisor) Pool(tenantExternalID string) (*pgxpool.Pool, bool) {
	s.mu.Lock()
	p, ok := s.procs[tenantExternalID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Ready || p.pool == nil {
		return nil, false
	}
	return p.pool, true
}

// Acquire starts t if Idle or Stopped and returns once Ready, or the
// UnavailableError from a failed start. Concurrent callers for the same
// tenant observe the same underlying proc (spec.md §4.4 guarantee:
// "concurrent start_if_needed requests observe the same supervisor
// instance").
func (s *Supervisor) Acquire(ctx context.Context, t tenant.Tenant, isOwner bool) error {
	p := s.procFor(t.ExternalID)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Ready:
		p.refCount++
		p.lastActivity = time.Now()
		return nil
	case Starting:
		return &UnavailableError{TenantExternalID: t.ExternalID, Reason: "already starting"}
	case Draining:
		return &UnavailableError{TenantExternalID: t.ExternalID, Reason: "draining"}
	}

	p.state = Starting
	pool, err := s.dialPool(ctx, t)
	if err != nil {
		p.state = Stopped
		return &UnavailableError{TenantExternalID: t.ExternalID, Reason: err.Error()}
	}
	p.pool = pool

	if isOwner && t.HasCDC() {
		s.startCDCLocked(p, t)
	}

	p.state = Ready
	p.refCount = 1
	p.lastActivity = time.Now()
	return nil
}

// PromoteOwner starts t's CDCReplicator if t is already Ready on this
// node but isn't yet replicating, for the case where cluster ownership
// moves here after sessions were already connected locally (spec.md
// §4.7: "the new owner starts its replicator"). A no-op if t is not
// Ready, already replicating, or has no CDC configured.
func (s *Supervisor) PromoteOwner(t tenant.Tenant) {
	p := s.procFor(t.ExternalID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Ready || p.stopCDC != nil || !t.HasCDC() {
		return
	}
	s.startCDCLocked(p, t)
}

// startCDCLocked starts t's CDCReplicator under p.mu. onReady fires
// AnnounceReady so a draining old owner can stop (spec.md §4.7).
func (s *Supervisor) startCDCLocked(p *proc, t tenant.Tenant) {
	cdcCtx, cancel := context.WithCancel(context.Background())
	p.stopCDC = cancel
	p.cdcDone = make(chan struct{})

	onReady := func() {
		if s.announcer != nil {
			s.announcer.AnnounceReady(context.Background(), t.ExternalID)
		}
	}
	replicator := cdc.New(t, s.hub, s.pollInterval, onReady)
	go func() {
		defer close(p.cdcDone)
		if err := replicator.Run(cdcCtx); err != nil && cdcCtx.Err() == nil {
			log.Error().Err(err).Str("tenant", t.ExternalID).Msg("cdc replicator exited with error")
		}
	}()
}

// Release decrements the tenant's active-session count. A tenant with
// zero refs for idle_shutdown_after (spec.md §4.4 default 5 min) is a
// Draining candidate; callers run IdleSweep periodically to act on it.
func (s *Supervisor) Release(tenantExternalID string) {
	p := s.procFor(tenantExternalID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refCount > 0 {
		p.refCount--
	}
	p.lastActivity = time.Now()
}

// Drain transitions t to Draining then Stopped: cancels its
// CDCReplicator and closes its pool. Called on idle timeout or loss of
// cluster ownership (spec.md §4.4, §4.7).
func (s *Supervisor) Drain(tenantExternalID string) {
	p := s.procFor(tenantExternalID)

	p.mu.Lock()
	if p.state != Ready {
		p.mu.Unlock()
		return
	}
	p.state = Draining
	stopCDC := p.stopCDC
	cdcDone := p.cdcDone
	pool := p.pool
	p.mu.Unlock()

	if stopCDC != nil {
		stopCDC()
		<-cdcDone
	}
	if pool != nil {
		pool.Close()
	}

	p.mu.Lock()
	p.state = Stopped
	p.pool = nil
	p.stopCDC = nil
	p.cdcDone = nil
	p.mu.Unlock()
}

func (s *Supervisor) readyChan(tenantExternalID string) chan struct{} {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	ch, ok := s.ready[tenantExternalID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.ready[tenantExternalID] = ch
	}
	return ch
}

// NotifyReplicatorReady unblocks any DrainForHandover waiting on
// tenantExternalID (spec.md §4.7 "replicator_ready"). Register this with
// ClusterRouter.OnReplicatorReady.
func (s *Supervisor) NotifyReplicatorReady(tenantExternalID string) {
	ch := s.readyChan(tenantExternalID)
	select {
	case ch <- struct{}{}:
	default:
	}
}

// DrainForHandover drains tenantExternalID like Drain, but first waits
// up to rebalanceGrace for the new owner's replicator_ready signal, so
// this node never stops replicating before the new owner has started
// (spec.md §4.7: "the old owner must not stop until the new owner has
// emitted replicator_ready"). The wait is bounded rather than
// indefinite: forwarding and the ready signal are both best-effort, and
// a lost signal must not replicate forever once ownership has
// genuinely moved on.
func (s *Supervisor) DrainForHandover(tenantExternalID string, rebalanceGrace time.Duration) {
	select {
	case <-s.readyChan(tenantExternalID):
	case <-time.After(rebalanceGrace):
		log.Warn().Str("tenant", tenantExternalID).Msg("supervisor: no replicator_ready before rebalance grace elapsed, draining anyway")
	}
	s.Drain(tenantExternalID)
}

// IdleSweep drains every Ready tenant with zero refs that has been idle
// past idleShutdownAfter.
func (s *Supervisor) IdleSweep() {
	s.mu.Lock()
	candidates := make([]string, 0)
	for tenantExternalID, p := range s.procs {
		p.mu.Lock()
		if p.state == Ready && p.refCount == 0 && time.Since(p.lastActivity) > s.idleShutdownAfter {
			candidates = append(candidates, tenantExternalID)
		}
		p.mu.Unlock()
	}
	s.mu.Unlock()

	for _, tenantExternalID := range candidates {
		log.Info().Str("tenant", tenantExternalID).Msg("draining idle tenant")
		s.Drain(tenantExternalID)
	}
}

// RunIdleSweeper runs IdleSweep on a fixed interval until ctx is done.
func (s *Supervisor) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.IdleSweep()
		}
	}
}

// State reports a tenant's current lifecycle state (Idle if never
// started).
func (s *Supervisor) State(tenantExternalID string) State {
	s.mu.Lock()
	p, ok := s.procs[tenantExternalID]
	s.mu.Unlock()
	if !ok {
		return Idle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (s *Supervisor) procFor(tenantExternalID string) *proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[tenantExternalID]
	if !ok {
		p = &proc{state: Idle, lastActivity: time.Now()}
		s.procs[tenantExternalID] = p
	}
	return p
}
