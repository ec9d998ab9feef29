package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/wire"
)

type fakeSubscriber struct {
	id string

	mu      sync.Mutex
	frames  []wire.OutboundFrame
}

func newFakeSubscriber(id string) *fakeSubscriber { return &fakeSubscriber{id: id} }

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(frame wire.OutboundFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSubscriber) received() []wire.OutboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.OutboundFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

type fakeAuthz struct {
	allowRead  bool
	allowWrite bool
}

func (a fakeAuthz) CanRead(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return a.allowRead, nil
}

func (a fakeAuthz) CanWrite(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return a.allowWrite, nil
}

func TestJoin_PublicTopicNeedsNoAuthz(t *testing.T) {
	h := New(fakeAuthz{allowRead: false}, 4, nil)
	s := newFakeSubscriber("s1")

	_, err := h.Join(context.Background(), "acme", "topic:x", s, "ref1", wire.JoinConfig{Private: false}, auth.Claims{})
	if err != nil {
		t.Fatalf("expected public topic join to succeed without authz, got %v", err)
	}
}

func TestJoin_PrivateTopicDeniedWithoutGrant(t *testing.T) {
	h := New(fakeAuthz{allowRead: false}, 4, nil)
	s := newFakeSubscriber("s1")

	_, err := h.Join(context.Background(), "acme", "topic:z", s, "ref1", wire.JoinConfig{Private: true}, auth.Claims{})
	if err == nil {
		t.Fatal("expected join to a private topic without read grant to fail")
	}
}

func TestBroadcast_FanOutExcludesSenderByDefault(t *testing.T) {
	h := New(fakeAuthz{allowRead: true, allowWrite: true}, 4, nil)
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")
	h.Join(context.Background(), "acme", "topic:y", a, "r1", wire.JoinConfig{}, auth.Claims{})
	h.Join(context.Background(), "acme", "topic:y", b, "r2", wire.JoinConfig{}, auth.Claims{})

	if err := h.Broadcast(context.Background(), "acme", "topic:y", "E", map[string]any{"m": "v"}, auth.Claims{}, "a"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	if len(a.received()) != 0 {
		t.Error("expected sender to not receive its own broadcast by default")
	}
	if len(b.received()) != 1 {
		t.Fatalf("expected other subscriber to receive exactly one broadcast, got %d", len(b.received()))
	}
}

func TestBroadcast_SelfOptIn(t *testing.T) {
	h := New(fakeAuthz{allowRead: true, allowWrite: true}, 4, nil)
	a := newFakeSubscriber("a")
	h.Join(context.Background(), "acme", "topic:x", a, "r1", wire.JoinConfig{Broadcast: wire.BroadcastConfig{Self: true}}, auth.Claims{})

	if err := h.Broadcast(context.Background(), "acme", "topic:x", "E", map[string]any{"m": "v"}, auth.Claims{}, "a"); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(a.received()) != 1 {
		t.Fatalf("expected self-broadcast opt-in to receive own message, got %d frames", len(a.received()))
	}
}

func TestTrack_BroadcastsPresenceDiffToAllSubscribers(t *testing.T) {
	h := New(fakeAuthz{allowRead: true}, 4, nil)
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")
	h.Join(context.Background(), "acme", "topic:p", a, "r1", wire.JoinConfig{}, auth.Claims{})
	h.Join(context.Background(), "acme", "topic:p", b, "r2", wire.JoinConfig{}, auth.Claims{})

	h.Track("acme", "topic:p", "a", "user-a", map[string]any{"online_at": "now"})

	for _, sub := range []*fakeSubscriber{a, b} {
		frames := sub.received()
		if len(frames) != 1 {
			t.Fatalf("expected one presence_diff frame, got %d", len(frames))
		}
		if frames[0].Event != wire.EventPresenceDiff {
			t.Fatalf("expected presence_diff event, got %s", frames[0].Event)
		}
	}
}

func TestLeave_UntracksPresenceAndPrunesEmptyTopic(t *testing.T) {
	h := New(fakeAuthz{allowRead: true}, 4, nil)
	a := newFakeSubscriber("a")
	b := newFakeSubscriber("b")
	h.Join(context.Background(), "acme", "topic:p", a, "r1", wire.JoinConfig{}, auth.Claims{})
	h.Join(context.Background(), "acme", "topic:p", b, "r2", wire.JoinConfig{}, auth.Claims{})
	h.Track("acme", "topic:p", "a", "user-a", map[string]any{"x": 1})

	h.Leave("acme", "topic:p", "a")

	frames := b.received()
	if len(frames) != 2 {
		t.Fatalf("expected join diff then leave diff for b, got %d frames", len(frames))
	}

	h.Leave("acme", "topic:p", "b")
	// No panic/error expected pruning the now-empty topic; re-join should
	// see a fresh presence state.
	state, err := h.Join(context.Background(), "acme", "topic:p", a, "r3", wire.JoinConfig{}, auth.Claims{})
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expected empty presence state after all subscribers left, got %v", state)
	}
}

func TestEmitCDC_DispatchesOnlyToMatchingFilters(t *testing.T) {
	h := New(fakeAuthz{allowRead: true}, 4, nil)
	sub := newFakeSubscriber("s1")
	h.Join(context.Background(), "acme", "topic:changes", sub, "r1", wire.JoinConfig{
		PostgresChanges: []wire.PostgresChangeFilter{{Event: "INSERT", Schema: "public", Table: "widgets", Filter: "id=eq.42"}},
	}, auth.Claims{})

	h.EmitCDC("acme", ChangeEvent{Schema: "public", Table: "widgets", Operation: "INSERT", New: map[string]any{"id": float64(41)}})
	h.EmitCDC("acme", ChangeEvent{Schema: "public", Table: "widgets", Operation: "INSERT", New: map[string]any{"id": float64(42)}})
	h.EmitCDC("acme", ChangeEvent{Schema: "public", Table: "widgets", Operation: "INSERT", New: map[string]any{"id": float64(43)}})

	frames := sub.received()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one matching delivery, got %d", len(frames))
	}
	change, ok := frames[0].Payload.(ChangeEvent)
	if !ok || change.New["id"] != float64(42) {
		t.Fatalf("expected delivery for id=42, got %+v", frames[0].Payload)
	}
}

func TestTenantIsolation_BroadcastNeverCrossesTenants(t *testing.T) {
	h := New(fakeAuthz{allowRead: true, allowWrite: true}, 4, nil)
	a := newFakeSubscriber("a")
	h.Join(context.Background(), "tenant-a", "topic:x", a, "r1", wire.JoinConfig{}, auth.Claims{})

	if err := h.Broadcast(context.Background(), "tenant-b", "topic:x", "E", map[string]any{}, auth.Claims{}, ""); err != nil {
		t.Fatalf("broadcast into tenant-b failed: %v", err)
	}
	if len(a.received()) != 0 {
		t.Error("expected tenant-a's subscriber to never see tenant-b's broadcast")
	}
}
