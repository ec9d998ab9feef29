// Package session implements ClientSession (spec.md §4.8): the
// per-connection WebSocket state machine that dispatches wire frames
// into ChannelHub and enforces heartbeat and backpressure.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/hub"
	"github.com/supabase-realtime/realtime/internal/ratelimit"
	"github.com/supabase-realtime/realtime/internal/tenant"
	"github.com/supabase-realtime/realtime/internal/wire"
)

// outboundQueueSize bounds the per-session outbound queue (spec.md §5:
// "overflow triggers disconnect, never blocks the producer").
const outboundQueueSize = 256

// Deps are the shared, process-wide collaborators every Session needs.
type Deps struct {
	Hub               *hub.Hub
	Verifier          *auth.Verifier
	Limiter           *ratelimit.Limiter
	HeartbeatInterval time.Duration
}

type joinedTopic struct {
	joinRef string
}

// Session is one authenticated WebSocket connection (spec.md §4.8).
type Session struct {
	id     string
	conn   *websocket.Conn
	tenant tenant.Tenant
	deps   Deps

	outbound chan wire.OutboundFrame
	done     chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	claims      auth.Claims
	joined      map[string]joinedTopic
	lastHeartbeat time.Time
}

// New constructs a Session bound to an already-authenticated connection.
// claims may be zero-value for an anonymous (anon-role) connection.
func New(conn *websocket.Conn, t tenant.Tenant, claims auth.Claims, deps Deps) *Session {
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 30 * time.Second
	}
	return &Session{
		id:            uuid.New().String(),
		conn:          conn,
		tenant:        t,
		deps:          deps,
		outbound:      make(chan wire.OutboundFrame, outboundQueueSize),
		done:          make(chan struct{}),
		claims:        claims,
		joined:        make(map[string]joinedTopic),
		lastHeartbeat: time.Now(),
	}
}

// ID implements hub.Subscriber.
func (s *Session) ID() string { return s.id }

// Send implements hub.Subscriber: a non-blocking enqueue. A full queue
// means this session cannot keep up; it is torn down with SlowConsumer
// rather than letting the producer (ChannelHub) block (spec.md §5, §7).
func (s *Session) Send(frame wire.OutboundFrame) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		log.Warn().Str("session", s.id).Str("tenant", s.tenant.ExternalID).Msg("outbound queue full, disconnecting slow consumer")
		s.closeAsync(wire.CloseSlowConsumer, "slow consumer")
		return false
	}
}

// Run drives the session until the connection closes or ctx is
// cancelled, returning the terminal error (nil on a clean close).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatWatch(ctx)
	}()

	err := s.readLoop(ctx)

	s.deps.Hub.DisconnectSubscriber(s.tenant.ExternalID, s.id)
	s.closeOnce.Do(func() { close(s.done) })
	cancel()
	wg.Wait()

	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		var frame wire.InboundFrame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			return err
		}
		if !s.deps.Limiter.Allow(s.tenant.ExternalID, ratelimit.Events, 1) {
			s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": "rate limit exceeded"})
			continue
		}
		s.dispatch(ctx, frame)
	}
}

func (s *Session) dispatch(ctx context.Context, frame wire.InboundFrame) {
	switch frame.Event {
	case wire.EventPhxJoin:
		s.handleJoin(ctx, frame)
	case wire.EventPhxLeave:
		s.handleLeave(frame)
	case wire.EventHeartbeat:
		s.handleHeartbeat(frame)
	case wire.EventAccessToken:
		s.handleAccessToken(ctx, frame)
	case wire.EventBroadcast:
		s.handleBroadcast(ctx, frame)
	case wire.EventPresence:
		s.handlePresence(frame)
	default:
		s.handleBroadcast(ctx, frame)
	}
}

func (s *Session) handleJoin(ctx context.Context, frame wire.InboundFrame) {
	var payload wire.JoinPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": "invalid join payload"})
			return
		}
	}
	if err := payload.Validate(); err != nil {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": err.Error()})
		return
	}
	if s.tenant.Suspended {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": "tenant suspended"})
		return
	}

	state, err := s.deps.Hub.Join(ctx, s.tenant.ExternalID, frame.Topic, s, frame.Ref, payload.Config, s.currentClaims())
	if err != nil {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": err.Error()})
		return
	}

	s.mu.Lock()
	s.joined[frame.Topic] = joinedTopic{joinRef: frame.Ref}
	s.mu.Unlock()

	s.reply(frame.Topic, frame.Ref, wire.ReplyOK, map[string]any{})
	s.enqueueSystem(frame.Topic, wire.SystemSubscribed)
	if len(state) > 0 {
		s.enqueue(wire.OutboundFrame{Topic: frame.Topic, Event: wire.EventPresenceState, Payload: state})
	}
}

func (s *Session) handleLeave(frame wire.InboundFrame) {
	s.mu.Lock()
	delete(s.joined, frame.Topic)
	s.mu.Unlock()
	s.deps.Hub.Leave(s.tenant.ExternalID, frame.Topic, s.id)
	s.reply(frame.Topic, frame.Ref, wire.ReplyOK, map[string]any{})
}

func (s *Session) handleHeartbeat(frame wire.InboundFrame) {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	s.reply(frame.Topic, frame.Ref, wire.ReplyOK, map[string]any{})
}

func (s *Session) handleAccessToken(ctx context.Context, frame wire.InboundFrame) {
	var payload wire.AccessTokenPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": "invalid access_token payload"})
		return
	}
	claims, err := s.deps.Verifier.Verify(s.tenant, payload.AccessToken)
	if err != nil {
		s.closeAsync(wire.CloseTokenExpired, "token expired")
		return
	}
	s.mu.Lock()
	s.claims = claims
	s.mu.Unlock()
}

func (s *Session) handleBroadcast(ctx context.Context, frame wire.InboundFrame) {
	var payload wire.BroadcastPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": "invalid broadcast payload"})
		return
	}
	if err := s.deps.Hub.Broadcast(ctx, s.tenant.ExternalID, frame.Topic, payload.Event, payload.Payload, s.currentClaims(), s.id); err != nil {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": err.Error()})
		return
	}
	s.reply(frame.Topic, frame.Ref, wire.ReplyOK, map[string]any{})
}

func (s *Session) handlePresence(frame wire.InboundFrame) {
	var payload wire.PresenceTrackPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.reply(frame.Topic, frame.Ref, wire.ReplyError, map[string]any{"reason": "invalid presence payload"})
		return
	}
	switch payload.Type {
	case "track":
		s.deps.Hub.Track(s.tenant.ExternalID, frame.Topic, s.id, payload.Key, payload.Meta)
	case "untrack":
		s.deps.Hub.Untrack(s.tenant.ExternalID, frame.Topic, s.id, payload.Key)
	}
	s.reply(frame.Topic, frame.Ref, wire.ReplyOK, map[string]any{})
}

func (s *Session) currentClaims() auth.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

func (s *Session) reply(topic, ref string, status wire.ReplyStatus, response any) {
	s.enqueue(wire.OutboundFrame{Topic: topic, Event: wire.EventPhxReply, Ref: ref, Payload: wire.ReplyPayload{Status: status, Response: response}})
}

func (s *Session) enqueueSystem(topic, reason string) {
	s.enqueue(wire.OutboundFrame{Topic: topic, Event: wire.EventSystem, Payload: map[string]any{"status": reason}})
}

func (s *Session) enqueue(frame wire.OutboundFrame) {
	select {
	case s.outbound <- frame:
	default:
		log.Warn().Str("session", s.id).Msg("outbound queue full, disconnecting slow consumer")
		s.closeAsync(wire.CloseSlowConsumer, "slow consumer")
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.outbound:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, s.conn, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// heartbeatWatch closes the connection with CloseHeartbeatTimeout if no
// heartbeat frame arrives within 2x the configured interval (spec.md
// §6, §7: HeartbeatTimeout is client-visible).
func (s *Session) heartbeatWatch(ctx context.Context) {
	ticker := time.NewTicker(s.deps.HeartbeatInterval)
	defer ticker.Stop()
	timeout := s.deps.HeartbeatInterval * 2

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			since := time.Since(s.lastHeartbeat)
			s.mu.Unlock()
			if since > timeout {
				s.closeAsync(wire.CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *Session) closeAsync(code int, reason string) {
	go func() {
		_ = s.conn.Close(websocket.StatusCode(code), reason)
	}()
}
