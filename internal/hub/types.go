// Package hub implements ChannelHub (spec.md §4.5): per-tenant topic
// registry, subscriber fan-out, presence tracking, and CDC dispatch.
package hub

import (
	"context"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/wire"
)

// Subscriber is the minimal surface ChannelHub needs from a connected
// client session. internal/session implements this; ChannelHub never
// imports internal/session to avoid a cycle (session depends on hub).
type Subscriber interface {
	ID() string
	Send(frame wire.OutboundFrame) bool
}

// ChangeEvent is a decoded Postgres logical-replication change, handed
// to Hub.EmitCDC by internal/cdc (spec.md §4.6, §8 invariant 7).
type ChangeEvent struct {
	Schema          string
	Table           string
	Operation       string // INSERT | UPDATE | DELETE
	CommitTimestamp string
	New             map[string]any
	Old             map[string]any
	Errors          []string
}

// AuthzChecker evaluates whether claims may read or write a given topic,
// backed by internal/authz.Store.CanRead/CanWrite. ChannelHub resolves authorization
// before acquiring any topic mutex (spec.md §5 "authorization is
// resolved before acquiring the mutex").
type AuthzChecker interface {
	CanRead(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error)
	CanWrite(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error)
}
