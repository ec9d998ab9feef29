package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const dedupWindow = 10 * time.Second
const forwardPath = "/internal/cluster/forward"
const readyEvent = "__replicator_ready__"

// ForwardedMessage is a cross-node broadcast or presence diff carried
// over the cluster's unicast forwarding channel (spec.md §4.7).
type ForwardedMessage struct {
	TenantExternalID string `json:"tenant_external_id"`
	Topic            string `json:"topic"`
	Event            string `json:"event"`
	Payload          any    `json:"payload"`
	OriginNode       string `json:"origin_node"`
	OriginSeq        uint64 `json:"origin_seq"`
}

// Dedup drops ForwardedMessages already seen within dedupWindow,
// keyed by (origin_node, origin_seq) (spec.md §4.7).
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedup constructs an empty dedup tracker.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]time.Time)}
}

// Admit reports whether msg should be delivered (true, first time seen
// within the window) or dropped as a duplicate (false).
func (d *Dedup) Admit(msg ForwardedMessage) bool {
	key := dedupKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, ok := d.seen[key]; ok && time.Since(seenAt) < dedupWindow {
		return false
	}
	d.seen[key] = time.Now()
	return true
}

// Sweep evicts entries older than dedupWindow; callers should invoke it
// periodically (e.g. alongside Router.Run's ticker) to bound memory.
func (d *Dedup) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, t := range d.seen {
		if now.Sub(t) >= dedupWindow {
			delete(d.seen, k)
		}
	}
}

func dedupKey(msg ForwardedMessage) string {
	return msg.OriginNode + "\x00" + strconv.FormatUint(msg.OriginSeq, 10)
}

// Transport sends a ForwardedMessage to a single peer node. HTTPTransport
// is the production implementation; tests substitute a stub.
type Transport interface {
	Send(ctx context.Context, peer string, msg ForwardedMessage) error
}

// HTTPTransport delivers forwarded messages by POSTing them to a peer's
// own forwarding endpoint (spec.md §4.7: "a best-effort unicast
// channel"). Peer is whatever Router's resolver returns for the
// discovery DNS name (typically a pod IP under a headless service).
type HTTPTransport struct {
	Client *http.Client
	Port   string // e.g. ":4000", matching HTTPAddr on every node
	Secret string // shared internal secret, checked by ForwardHandler
}

// NewHTTPTransport builds an HTTPTransport with a bounded per-send
// timeout; forwarding is best-effort and must never block a broadcast.
func NewHTTPTransport(port, secret string) *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{Timeout: 2 * time.Second},
		Port:   port,
		Secret: secret,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, peer string, msg ForwardedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("cluster: marshal forwarded message: %w", err)
	}

	url := fmt.Sprintf("http://%s%s%s", peer, t.Port, forwardPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Secret != "" {
		req.Header.Set("X-Internal-Secret", t.Secret)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cluster: forward to %s: status %d", peer, resp.StatusCode)
	}
	return nil
}

// SetTransport wires the outbound send path. A nil transport (the
// default) makes Forward a no-op, which is correct for single-node
// operation.
func (r *Router) SetTransport(t Transport) {
	r.transport = t
}

// SetInternalSecret sets the shared secret ForwardHandler requires on
// inbound requests, and HTTPTransport sends on outbound ones.
func (r *Router) SetInternalSecret(secret string) {
	r.internalSecret = secret
}

// SetDeliver registers the callback invoked for an admitted forwarded
// broadcast or presence diff (spec.md §4.7). main.go wires this to
// Hub.BroadcastLocal.
func (r *Router) SetDeliver(fn func(tenantExternalID, topic, event string, payload any)) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	r.deliver = fn
}

// OnReplicatorReady registers a callback invoked when a peer (or this
// node) announces it has started replicating a tenant (spec.md §4.7:
// "the old owner must not stop until the new owner has emitted
// replicator_ready").
func (r *Router) OnReplicatorReady(fn func(tenantExternalID string)) {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	r.onReplicatorReady = append(r.onReplicatorReady, fn)
}

// Forward implements hub.Forwarder: best-effort unicast of msg to every
// known peer except self (spec.md §4.7). Hub calls this after a
// locally-originated broadcast has been delivered to its own
// subscribers. The send runs detached from ctx's cancellation (a
// broadcast's request/session context is typically gone well before a
// 2s send could complete) but still accepts ctx so call sites can
// thread a correlation ID through logging if they need to later.
func (r *Router) Forward(ctx context.Context, msg ForwardedMessage) {
	if r.transport == nil {
		return
	}
	msg.OriginNode = r.nodeID
	msg.OriginSeq = atomic.AddUint64(&r.seq, 1)

	for _, peer := range r.peerList() {
		go r.sendOne(peer, msg)
	}
}

// AnnounceReady broadcasts a replicator_ready signal for tenantExternalID
// to every peer, and fires this node's own OnReplicatorReady callbacks
// (spec.md §4.7). CDCReplicator calls this once it has successfully
// started streaming.
func (r *Router) AnnounceReady(ctx context.Context, tenantExternalID string) {
	r.notifyReplicatorReady(tenantExternalID)
	if r.transport == nil {
		return
	}
	msg := ForwardedMessage{TenantExternalID: tenantExternalID, Event: readyEvent, OriginNode: r.nodeID, OriginSeq: atomic.AddUint64(&r.seq, 1)}
	for _, peer := range r.peerList() {
		go r.sendOne(peer, msg)
	}
}

func (r *Router) sendOne(peer string, msg ForwardedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.transport.Send(ctx, peer, msg); err != nil {
		log.Warn().Err(err).Str("peer", peer).Str("tenant", msg.TenantExternalID).Msg("cluster: forward failed")
	}
}

func (r *Router) peerList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]string, 0, len(r.peers))
	for _, p := range r.peers {
		if p != r.nodeID {
			peers = append(peers, p)
		}
	}
	return peers
}

func (r *Router) notifyReplicatorReady(tenantExternalID string) {
	r.readyMu.Lock()
	fns := make([]func(string), len(r.onReplicatorReady))
	copy(fns, r.onReplicatorReady)
	r.readyMu.Unlock()
	for _, fn := range fns {
		fn(tenantExternalID)
	}
}

// ForwardHandler receives a ForwardedMessage from a peer node, drops it
// if already seen within the dedup window, and otherwise delivers it
// locally (spec.md §4.7). Mounted at /internal/cluster/forward.
func (r *Router) ForwardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.internalSecret != "" && req.Header.Get("X-Internal-Secret") != r.internalSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var msg ForwardedMessage
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if !r.dedup.Admit(msg) {
			w.WriteHeader(http.StatusOK)
			return
		}

		if msg.Event == readyEvent {
			r.notifyReplicatorReady(msg.TenantExternalID)
			w.WriteHeader(http.StatusOK)
			return
		}

		r.deliverMu.Lock()
		deliver := r.deliver
		r.deliverMu.Unlock()
		if deliver != nil {
			deliver(msg.TenantExternalID, msg.Topic, msg.Event, msg.Payload)
		}
		w.WriteHeader(http.StatusOK)
	}
}
