// Package cluster implements ClusterRouter (spec.md §4.7): DNS-based
// peer discovery, consistent-hash tenant ownership, and cross-node
// message forwarding with dedup.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const discoveryInterval = 5 * time.Second

type ringEntry struct {
	hash uint64
	node string
}

// Router tracks cluster membership and decides tenant ownership via a
// consistent-hash ring (spec.md §4.7: "owner(tenant_id) =
// ring.successor(hash(tenant_id))").
type Router struct {
	nodeID         string
	dnsName        string
	rebalanceGrace time.Duration
	resolver       func(ctx context.Context, name string) ([]string, error)

	mu    sync.RWMutex
	ring  []ringEntry
	peers []string
	owned map[string]bool

	onOwnershipChangeMu sync.Mutex
	onOwnershipChange   []func(tenantExternalID string, owned bool)

	// Cross-node forwarding (spec.md §4.7): transport/internalSecret wire
	// the outbound send path, deliver/dedup the inbound one.
	transport      Transport
	internalSecret string
	seq            uint64
	dedup          *Dedup

	deliverMu sync.Mutex
	deliver   func(tenantExternalID, topic, event string, payload any)

	readyMu           sync.Mutex
	onReplicatorReady []func(tenantExternalID string)
}

// New constructs a Router for this node. dnsName is polled every 5s to
// discover peers (spec.md §4.7); an empty dnsName means single-node
// operation, where this node owns every tenant.
func New(nodeID, dnsName string, rebalanceGrace time.Duration) *Router {
	if rebalanceGrace <= 0 {
		rebalanceGrace = 10 * time.Second
	}
	r := &Router{
		nodeID:         nodeID,
		dnsName:        dnsName,
		rebalanceGrace: rebalanceGrace,
		resolver:       lookupHost,
		owned:          make(map[string]bool),
		dedup:          NewDedup(),
	}
	r.rebuildRing([]string{nodeID})
	return r
}

// OnOwnershipChange registers a callback invoked whenever this node
// gains or loses ownership of a tenant, used by TenantSupervisor to
// start/drain a CDCReplicator (spec.md §4.4, §4.7).
func (r *Router) OnOwnershipChange(fn func(tenantExternalID string, owned bool)) {
	r.onOwnershipChangeMu.Lock()
	defer r.onOwnershipChangeMu.Unlock()
	r.onOwnershipChange = append(r.onOwnershipChange, fn)
}

// Run polls DNS for peer membership until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.discover(ctx)
			r.dedup.Sweep()
		}
	}
}

func (r *Router) discover(ctx context.Context) {
	if r.dnsName == "" {
		return
	}
	peers, err := r.resolver(ctx, r.dnsName)
	if err != nil {
		log.Warn().Err(err).Str("dns_name", r.dnsName).Msg("cluster: peer discovery failed, keeping last known ring")
		return
	}
	found := false
	for _, p := range peers {
		if p == r.nodeID {
			found = true
			break
		}
	}
	if !found {
		peers = append(peers, r.nodeID)
	}
	r.rebuildRing(peers)
}

func lookupHost(ctx context.Context, name string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, name)
}

// rebuildRing recomputes the consistent-hash ring from the current peer
// list and notifies OnOwnershipChange subscribers of any tenant whose
// owner changed (spec.md §4.7: "ownership changes atomically on
// membership change").
func (r *Router) rebuildRing(peers []string) {
	entries := make([]ringEntry, 0, len(peers)*virtualNodes)
	for _, p := range peers {
		for v := 0; v < virtualNodes; v++ {
			entries = append(entries, ringEntry{hash: hashKey(p, v), node: p})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	r.mu.Lock()
	previouslyOwned := make(map[string]bool, len(r.owned))
	for tenantID, owned := range r.owned {
		previouslyOwned[tenantID] = owned
	}
	trackedTenants := make([]string, 0, len(r.owned))
	for tenantID := range r.owned {
		trackedTenants = append(trackedTenants, tenantID)
	}
	r.ring = entries
	r.peers = peers
	for _, tenantID := range trackedTenants {
		r.owned[tenantID] = r.isOwnerLocked(tenantID)
	}
	changed := make(map[string]bool)
	for tenantID, owned := range r.owned {
		if previouslyOwned[tenantID] != owned {
			changed[tenantID] = owned
		}
	}
	r.mu.Unlock()

	for tenantID, owned := range changed {
		r.notifyOwnershipChange(tenantID, owned)
	}
}

const virtualNodes = 64

func hashKey(node string, virtual int) uint64 {
	h := sha256.New()
	h.Write([]byte(node))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(virtual))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Owner returns the node id that owns tenantExternalID under the
// current ring.
func (r *Router) Owner(tenantExternalID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerLocked(tenantExternalID)
}

func (r *Router) ownerLocked(tenantExternalID string) string {
	if len(r.ring) == 0 {
		return r.nodeID
	}
	target := tenantHash(tenantExternalID)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= target })
	if idx == len(r.ring) {
		idx = 0
	}
	return r.ring[idx].node
}

func (r *Router) isOwnerLocked(tenantExternalID string) bool {
	return r.ownerLocked(tenantExternalID) == r.nodeID
}

func tenantHash(tenantExternalID string) uint64 {
	sum := sha256.Sum256([]byte(tenantExternalID))
	return binary.BigEndian.Uint64(sum[:8])
}

// Track registers tenantExternalID for ownership-change notifications
// and returns whether this node currently owns it. TenantSupervisor
// calls this when starting a tenant so future rebalances reach it.
func (r *Router) Track(tenantExternalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.isOwnerLocked(tenantExternalID)
	r.owned[tenantExternalID] = owned
	return owned
}

// Untrack stops ownership tracking for a tenant (e.g. on full shutdown).
func (r *Router) Untrack(tenantExternalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owned, tenantExternalID)
}

func (r *Router) notifyOwnershipChange(tenantExternalID string, owned bool) {
	r.onOwnershipChangeMu.Lock()
	fns := make([]func(string, bool), len(r.onOwnershipChange))
	copy(fns, r.onOwnershipChange)
	r.onOwnershipChangeMu.Unlock()

	for _, fn := range fns {
		fn(tenantExternalID, owned)
	}
}
