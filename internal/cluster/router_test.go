package cluster

import (
	"context"
	"testing"
	"time"
)

func TestOwner_SingleNodeOwnsEverything(t *testing.T) {
	r := New("node-1", "", time.Second)
	if !r.Track("acme") {
		t.Fatal("expected sole node to own every tenant")
	}
}

func TestOwner_ConsistentAcrossCalls(t *testing.T) {
	r := New("node-1", "", time.Second)
	first := r.Owner("acme")
	for i := 0; i < 10; i++ {
		if r.Owner("acme") != first {
			t.Fatal("expected owner to be stable without a membership change")
		}
	}
}

func TestRebuildRing_NotifiesOwnershipChangeOnlyOnFlip(t *testing.T) {
	r := New("node-1", "peers.internal", time.Second)
	r.Track("acme")

	var notifications []bool
	r.OnOwnershipChange(func(tenantExternalID string, owned bool) {
		if tenantExternalID == "acme" {
			notifications = append(notifications, owned)
		}
	})

	// Re-resolving to the same single-node membership should not fire a
	// spurious notification.
	r.rebuildRing([]string{"node-1"})
	if len(notifications) != 0 {
		t.Fatalf("expected no ownership change notification for unchanged membership, got %v", notifications)
	}

	// Adding peers may or may not move acme away from node-1 (consistent
	// hashing is peer-dependent), so the expectation is derived from the
	// resulting owner: exactly one owned=false notification if it moved,
	// none if it stayed.
	r.resolver = func(ctx context.Context, name string) ([]string, error) {
		return []string{"node-1", "node-2", "node-3", "node-4", "node-5"}, nil
	}
	r.discover(context.Background())

	if r.Owner("acme") != "node-1" {
		if len(notifications) != 1 || notifications[0] {
			t.Fatalf("expected one owned=false notification after losing acme, got %v", notifications)
		}
	} else if len(notifications) != 0 {
		t.Fatalf("expected no notification while node-1 still owns acme, got %v", notifications)
	}
}

func TestDedup_AdmitsOnceWithinWindow(t *testing.T) {
	d := NewDedup()
	msg := ForwardedMessage{OriginNode: "node-1", OriginSeq: 42}

	if !d.Admit(msg) {
		t.Fatal("expected first delivery to be admitted")
	}
	if d.Admit(msg) {
		t.Fatal("expected duplicate within window to be dropped")
	}
}

func TestDedup_DistinctSequenceNumbersAdmitted(t *testing.T) {
	d := NewDedup()
	if !d.Admit(ForwardedMessage{OriginNode: "node-1", OriginSeq: 1}) {
		t.Fatal("expected seq 1 to be admitted")
	}
	if !d.Admit(ForwardedMessage{OriginNode: "node-1", OriginSeq: 2}) {
		t.Fatal("expected seq 2 to be admitted independently of seq 1")
	}
}
