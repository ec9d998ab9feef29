package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/hub"
	"github.com/supabase-realtime/realtime/internal/ratelimit"
	"github.com/supabase-realtime/realtime/internal/session"
	"github.com/supabase-realtime/realtime/internal/tenant"
)

// Server holds the process-wide dependencies HTTP handlers need.
type Server struct {
	Registry    *tenant.Registry
	Verifier    *auth.Verifier
	Limiter     *ratelimit.Limiter
	Hub         *hub.Hub
	SessionDeps func(t tenant.Tenant) session.Deps

	// OnConnect/OnDisconnect bracket a session's lifetime, driving
	// TenantSupervisor's ref-counted start/idle-shutdown (spec.md §4.4).
	// Both are optional; a nil value is a no-op.
	OnConnect    func(ctx context.Context, t tenant.Tenant) error
	OnDisconnect func(tenantExternalID string)
}

// broadcastReq is the request body for POST /api/broadcast (spec.md §6).
type broadcastReq struct {
	Messages []broadcastMsg `json:"messages"`
}

type broadcastMsg struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorResponse represents a standardized error response with correlation ID
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// writeError writes an error response with correlation ID from context
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	correlationID := GetCorrelationID(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Error:         message,
		CorrelationID: correlationID,
	})
}

// Routes builds the HTTP router: the REST broadcast endpoint and the
// WebSocket channel endpoint named in spec.md §6.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(s.Registry))
		r.Use(RateLimitMiddleware(s.Limiter))

		r.Post("/api/broadcast", s.Broadcast)
		r.Get("/socket", s.Connect)
		r.Get("/socket/websocket", s.Connect)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Broadcast implements POST /api/broadcast: a tenant-authenticated REST
// entry point that fans messages into ChannelHub as if they arrived
// over a WebSocket, without requiring the caller to hold a channel
// subscription (spec.md §6).
func (s *Server) Broadcast(w http.ResponseWriter, r *http.Request) {
	t, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant not resolved")
		return
	}

	var req broadcastReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, http.StatusBadRequest, "messages must not be empty")
		return
	}

	claims := s.apiKeyClaims(r, t)

	// RateLimitMiddleware already charged one Events token for this
	// request regardless of batch size (see ratelimit.go); a batch of
	// messages is billed as a single event.
	for _, m := range req.Messages {
		if m.Topic == "" || m.Event == "" {
			writeError(w, r, http.StatusBadRequest, "each message requires topic and event")
			return
		}
		if err := s.Hub.Broadcast(r.Context(), t.ExternalID, m.Topic, m.Event, m.Payload, claims, ""); err != nil {
			writeError(w, r, http.StatusForbidden, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// apiKeyClaims builds the Claims an unauthenticated REST broadcast call
// is evaluated under: the "anon" role unless the caller also presented
// a bearer token, in which case it's verified like a channel client.
func (s *Server) apiKeyClaims(r *http.Request, t tenant.Tenant) auth.Claims {
	bearer := bearerToken(r)
	if bearer == "" {
		return auth.Claims{Role: "anon"}
	}
	claims, err := s.Verifier.Verify(t, bearer)
	if err != nil {
		return auth.Claims{Role: "anon"}
	}
	return claims
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("access_token")
}

// Connect upgrades to a WebSocket and runs the channel session until
// the connection closes (spec.md §4.8, §6).
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	t, ok := TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant not resolved")
		return
	}

	claims := auth.Claims{Role: "anon"}
	if token := bearerToken(r); token != "" {
		verified, err := s.Verifier.Verify(t, token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid access token")
			return
		}
		claims = verified
	}

	if s.OnConnect != nil {
		if err := s.OnConnect(r.Context(), t); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "tenant unavailable")
			return
		}
	}
	if s.OnDisconnect != nil {
		defer s.OnDisconnect(t.ExternalID)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"phoenix"},
	})
	if err != nil {
		log.Error().Err(err).Str("tenant", t.ExternalID).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(conn, t, claims, s.SessionDeps(t))
	if err := sess.Run(r.Context()); err != nil {
		log.Debug().Err(err).Str("tenant", t.ExternalID).Str("session", sess.ID()).Msg("session closed")
	}
}
