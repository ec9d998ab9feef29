package hub

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/cluster"
	"github.com/supabase-realtime/realtime/internal/wire"
)

// Forwarder is the subset of ClusterRouter that Hub uses to fan a
// locally-originated broadcast out to peer nodes that may have their
// own subscribers for the same (tenant, topic) (spec.md §4.7). A nil
// Forwarder (the default) is correct for single-node operation.
type Forwarder interface {
	Forward(ctx context.Context, msg cluster.ForwardedMessage)
}

// ChannelError is returned when a subscriber lacks read or write access
// to a topic (spec.md §8 S4: "You do not have permissions...").
type ChannelError struct {
	Topic  string
	Reason string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s", e.Topic, e.Reason)
}

type subscription struct {
	sub           Subscriber
	joinRef       string
	selfBroadcast bool
	claims        auth.Claims
	pgFilters     []wire.PostgresChangeFilter
	presenceKey   string
}

type topicState struct {
	name     string
	private  bool
	subs     map[string]*subscription // subscriber ID -> subscription
	presence *presenceState
}

func newTopicState(name string, private bool) *topicState {
	return &topicState{name: name, private: private, subs: make(map[string]*subscription), presence: newPresenceState()}
}

type shard struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

// tenantHub partitions a tenant's topics across a fixed number of
// sharded mutexes so ChannelHub never serializes unrelated topics
// behind one lock (spec.md §5: "partitioned by topic hash across N
// shards, default number of CPU cores × 2").
type tenantHub struct {
	shards []*shard
}

func newTenantHub(shardCount int) *tenantHub {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{topics: make(map[string]*topicState)}
	}
	return &tenantHub{shards: shards}
}

func (t *tenantHub) shardFor(topicName string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topicName))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Hub is ChannelHub (spec.md §4.5): the per-tenant topic registry,
// subscriber fan-out, and presence engine.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]*tenantHub

	shardCount int
	authz      AuthzChecker
	metrics    *Metrics
	forwarder  Forwarder
}

// SetForwarder wires the cluster forwarding path (spec.md §4.7). Called
// once at boot with the process's ClusterRouter; tests that never call
// it get single-node behavior (Broadcast delivers locally only).
func (h *Hub) SetForwarder(f Forwarder) {
	h.forwarder = f
}

// New constructs a Hub. shardCount defaults to runtime.NumCPU()*2 per
// spec.md §5 when given as 0 or less; callers may also pass an explicit
// count.
func New(authz AuthzChecker, shardCount int, metrics *Metrics) *Hub {
	if shardCount <= 0 {
		shardCount = runtime.NumCPU() * 2
	}
	return &Hub{
		tenants:    make(map[string]*tenantHub),
		shardCount: shardCount,
		authz:      authz,
		metrics:    metrics,
	}
}

func (h *Hub) tenantHubFor(tenantID string) *tenantHub {
	h.mu.RLock()
	t, ok := h.tenants[tenantID]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tenants[tenantID]; ok {
		return t
	}
	t = newTenantHub(h.shardCount)
	h.tenants[tenantID] = t
	return t
}

// Join subscribes sub to topicName under tenantID, authorizing against
// cfg.Private before the topic mutex is ever acquired (spec.md §5:
// "ChannelHub operations never suspend while holding the tenant mutex;
// authorization is resolved before acquiring the mutex"). It returns
// the topic's current presence_state snapshot for the joining client.
func (h *Hub) Join(ctx context.Context, tenantID, topicName string, sub Subscriber, joinRef string, cfg wire.JoinConfig, claims auth.Claims) (map[string][]map[string]any, error) {
	if cfg.Private {
		allowed, err := h.authz.CanRead(ctx, tenantID, topicName, claims)
		if err != nil {
			return nil, fmt.Errorf("hub: authorize join: %w", err)
		}
		if !allowed {
			return nil, &ChannelError{Topic: topicName, Reason: "You do not have permissions to read from this Channel topic: " + topicName}
		}
	}

	th := h.tenantHubFor(tenantID)
	sh := th.shardFor(topicName)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	topic, ok := sh.topics[topicName]
	if !ok {
		topic = newTopicState(topicName, cfg.Private)
		sh.topics[topicName] = topic
	}
	topic.subs[sub.ID()] = &subscription{
		sub:           sub,
		joinRef:       joinRef,
		selfBroadcast: cfg.Broadcast.Self,
		claims:        claims,
		pgFilters:     cfg.PostgresChanges,
		presenceKey:   cfg.Presence.Key,
	}
	if h.metrics != nil {
		h.metrics.observeJoin(tenantID)
	}

	return topic.presence.state(), nil
}

// Leave unsubscribes subscriberID from topicName, untracking any
// presence it held and broadcasting the resulting leave diff. The
// topic is pruned once its last subscriber leaves.
func (h *Hub) Leave(tenantID, topicName, subscriberID string) {
	th := h.tenantHubFor(tenantID)
	sh := th.shardFor(topicName)

	sh.mu.Lock()
	topic, ok := sh.topics[topicName]
	if !ok {
		sh.mu.Unlock()
		return
	}
	delete(topic.subs, subscriberID)
	leaves := topic.presence.untrackSubscriber(subscriberID)
	empty := len(topic.subs) == 0
	if empty {
		delete(sh.topics, topicName)
	}
	recipients := snapshotSubs(topic)
	sh.mu.Unlock()

	if leaves != nil {
		broadcastPresenceDiff(recipients, topicName, map[string][]map[string]any{}, leaves)
	}
	if h.metrics != nil {
		h.metrics.observeLeave(tenantID)
	}
}

// DisconnectSubscriber removes subscriberID from every topic it holds
// across tenantID, as if it had sent phx_leave on each (spec.md §5:
// session close cancels all pending operations within 1s).
func (h *Hub) DisconnectSubscriber(tenantID, subscriberID string) {
	th := h.tenantHubFor(tenantID)
	for _, sh := range th.shards {
		sh.mu.Lock()
		var topicNames []string
		for name, topic := range sh.topics {
			if _, ok := topic.subs[subscriberID]; ok {
				topicNames = append(topicNames, name)
			}
		}
		sh.mu.Unlock()
		for _, name := range topicNames {
			h.Leave(tenantID, name, subscriberID)
		}
	}
}

// Broadcast authorizes and fans out event/payload to every subscriber
// of topicName except the sender, unless that subscriber opted into
// config.broadcast.self (spec.md §8 invariant 1), then forwards via
// ClusterRouter so peer nodes with their own subscribers for (tenant,
// topic) also deliver it (spec.md §4.7). senderID is empty for
// HTTP-originated broadcasts (spec.md §6 "anonymous publisher").
func (h *Hub) Broadcast(ctx context.Context, tenantID, topicName, event string, payload any, claims auth.Claims, senderID string) error {
	th := h.tenantHubFor(tenantID)
	sh := th.shardFor(topicName)

	sh.mu.Lock()
	topic, ok := sh.topics[topicName]
	if !ok {
		sh.mu.Unlock()
		return nil // no subscribers yet; a no-op delivery, not an error
	}
	if topic.private {
		sh.mu.Unlock()
		allowed, err := h.authz.CanWrite(ctx, tenantID, topicName, claims)
		if err != nil {
			return fmt.Errorf("hub: authorize broadcast: %w", err)
		}
		if !allowed {
			return &ChannelError{Topic: topicName, Reason: "You do not have permissions to write to this Channel topic: " + topicName}
		}
		sh.mu.Lock()
		topic, ok = sh.topics[topicName]
		if !ok {
			sh.mu.Unlock()
			return nil
		}
	}
	recipients := make([]*subscription, 0, len(topic.subs))
	for _, s := range topic.subs {
		recipients = append(recipients, s)
	}
	sh.mu.Unlock()

	frame := wire.OutboundFrame{Topic: topicName, Event: wire.EventBroadcast, Payload: wire.BroadcastPayload{Event: event, Payload: payload}}
	for _, s := range recipients {
		if s.sub.ID() == senderID && !s.selfBroadcast {
			continue
		}
		s.sub.Send(frame)
	}
	if h.metrics != nil {
		h.metrics.observeBroadcast(tenantID)
	}

	if h.forwarder != nil {
		h.forwarder.Forward(ctx, cluster.ForwardedMessage{
			TenantExternalID: tenantID,
			Topic:            topicName,
			Event:            event,
			Payload:          payload,
		})
	}

	return nil
}

// BroadcastLocal fans event/payload out to this node's own subscribers
// of topicName only. It is the receive side of cross-node forwarding
// (spec.md §4.7): authorization was already performed on the
// originating node, so it is not repeated here, and the message is not
// re-forwarded to peers.
func (h *Hub) BroadcastLocal(tenantID, topicName, event string, payload any) {
	th := h.tenantHubFor(tenantID)
	sh := th.shardFor(topicName)

	sh.mu.Lock()
	topic, ok := sh.topics[topicName]
	if !ok {
		sh.mu.Unlock()
		return
	}
	recipients := snapshotSubs(topic)
	sh.mu.Unlock()

	frame := wire.OutboundFrame{Topic: topicName, Event: wire.EventBroadcast, Payload: wire.BroadcastPayload{Event: event, Payload: payload}}
	for _, s := range recipients {
		s.Send(frame)
	}
	if h.metrics != nil {
		h.metrics.observeBroadcast(tenantID)
	}
}

// Track records presence meta for subscriberID under key and broadcasts
// the join diff to every subscriber of the topic (spec.md §8 invariant
// 2: presence monotonicity).
func (h *Hub) Track(tenantID, topicName, subscriberID, key string, meta map[string]any) {
	th := h.tenantHubFor(tenantID)
	sh := th.shardFor(topicName)

	sh.mu.Lock()
	topic, ok := sh.topics[topicName]
	if !ok {
		sh.mu.Unlock()
		return
	}
	joins := topic.presence.track(key, subscriberID, meta)
	recipients := snapshotSubs(topic)
	sh.mu.Unlock()

	broadcastPresenceDiff(recipients, topicName, joins, map[string][]map[string]any{})
}

// Untrack removes subscriberID's presence meta under key and broadcasts
// the resulting leave diff.
func (h *Hub) Untrack(tenantID, topicName, subscriberID, key string) {
	th := h.tenantHubFor(tenantID)
	sh := th.shardFor(topicName)

	sh.mu.Lock()
	topic, ok := sh.topics[topicName]
	if !ok {
		sh.mu.Unlock()
		return
	}
	leaves := topic.presence.untrack(key, subscriberID)
	recipients := snapshotSubs(topic)
	sh.mu.Unlock()

	if leaves != nil {
		broadcastPresenceDiff(recipients, topicName, map[string][]map[string]any{}, leaves)
	}
}

// EmitCDC dispatches a decoded Postgres change to every subscriber of
// tenantID whose postgres_changes filters match, across all topics
// (spec.md §4.6, §8 invariant 7). Authorization for postgres_changes is
// resolved once at Join time, and only for private channels; it is not
// repeated per row.
func (h *Hub) EmitCDC(tenantID string, change ChangeEvent) {
	th := h.tenantHubFor(tenantID)

	frame := wire.OutboundFrame{Event: wire.EventPostgresChanges, Payload: change}
	for _, sh := range th.shards {
		sh.mu.Lock()
		for _, topic := range sh.topics {
			frame.Topic = topic.name
			for _, s := range topic.subs {
				if matchesAny(s.pgFilters, change) {
					s.sub.Send(frame)
				}
			}
		}
		sh.mu.Unlock()
	}
}

func matchesAny(filters []wire.PostgresChangeFilter, change ChangeEvent) bool {
	for _, f := range filters {
		if matches(f, change) {
			return true
		}
	}
	return false
}

func matches(f wire.PostgresChangeFilter, change ChangeEvent) bool {
	if f.Event != "*" && f.Event != "" && f.Event != change.Operation {
		return false
	}
	if f.Schema != "*" && f.Schema != "" && f.Schema != change.Schema {
		return false
	}
	if f.Table != "*" && f.Table != "" && f.Table != change.Table {
		return false
	}
	return matchesFilter(f.Filter, change.New, change.Old)
}

func snapshotSubs(topic *topicState) []Subscriber {
	out := make([]Subscriber, 0, len(topic.subs))
	for _, s := range topic.subs {
		out = append(out, s.sub)
	}
	return out
}

func broadcastPresenceDiff(recipients []Subscriber, topicName string, joins, leaves map[string][]map[string]any) {
	frame := wire.OutboundFrame{
		Topic: topicName,
		Event: wire.EventPresenceDiff,
		Payload: presenceDiffPayload{Joins: joins, Leaves: leaves},
	}
	for _, r := range recipients {
		r.Send(frame)
	}
}

type presenceDiffPayload struct {
	Joins  map[string][]map[string]any `json:"joins"`
	Leaves map[string][]map[string]any `json:"leaves"`
}
