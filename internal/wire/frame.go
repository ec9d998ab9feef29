// Package wire defines the JSON wire protocol exchanged over the
// WebSocket channel transport (spec.md §6).
package wire

import "encoding/json"

// Event names recognized in inbound frames.
const (
	EventPhxJoin  = "phx_join"
	EventPhxLeave = "phx_leave"
	EventHeartbeat = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast = "broadcast"
	EventPresence  = "presence"
)

// Event names used in outbound frames.
const (
	EventPhxReply       = "phx_reply"
	EventPresenceState  = "presence_state"
	EventPresenceDiff   = "presence_diff"
	EventPostgresChanges = "postgres_changes"
	EventSystem         = "system"
	EventPhxError       = "phx_error"
)

// System lifecycle payload reasons.
const (
	SystemSubscribed   = "SUBSCRIBED"
	SystemChannelError = "CHANNEL_ERROR"
)

// Close codes, attached to the WebSocket close frame.
const (
	CloseGoingAway        = 1001
	CloseHeartbeatTimeout = 4000
	CloseTokenExpired     = 4001
	CloseSlowConsumer     = 4002
)

// InboundFrame is a message received from a client.
type InboundFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// OutboundFrame is a message sent to a client.
type OutboundFrame struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

// ReplyStatus is the `status` field of a phx_reply payload.
type ReplyStatus string

const (
	ReplyOK    ReplyStatus = "ok"
	ReplyError ReplyStatus = "error"
)

// ReplyPayload is the payload of an outbound phx_reply frame.
type ReplyPayload struct {
	Status   ReplyStatus `json:"status"`
	Response any         `json:"response,omitempty"`
}

// BroadcastConfig is the `config.broadcast` block of a join payload.
type BroadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

// PresenceConfig is the `config.presence` block of a join payload.
type PresenceConfig struct {
	Key string `json:"key"`
}

// PostgresChangeFilter is one entry of `config.postgres_changes`.
type PostgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// JoinConfig is the `config` block of a join payload.
type JoinConfig struct {
	Broadcast       BroadcastConfig        `json:"broadcast"`
	Presence        PresenceConfig         `json:"presence"`
	Private         bool                   `json:"private"`
	PostgresChanges []PostgresChangeFilter `json:"postgres_changes"`
}

// JoinPayload is the payload of an inbound phx_join frame.
type JoinPayload struct {
	Config JoinConfig `json:"config"`
}

// Validate checks a join payload for internally-consistent values.
// Access policy (is this topic actually allowed) is not checked here —
// that's AuthorizationStore's job; this only validates shape.
func (p JoinPayload) Validate() error {
	for _, f := range p.Config.PostgresChanges {
		switch f.Event {
		case "INSERT", "UPDATE", "DELETE", "*", "":
		default:
			return errInvalidEvent(f.Event)
		}
	}
	return nil
}

type errInvalidEvent string

func (e errInvalidEvent) Error() string {
	return "wire: invalid postgres_changes event: " + string(e)
}

// BroadcastPayload is the payload of an inbound/outbound broadcast frame.
type BroadcastPayload struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// AccessTokenPayload is the payload of an inbound access_token frame.
type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

// PresenceTrackPayload is the payload of an inbound presence_track frame.
type PresenceTrackPayload struct {
	Type string         `json:"type"` // "track" or "untrack"
	Key  string         `json:"key,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}
