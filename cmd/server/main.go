package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/supabase-realtime/realtime/internal/auth"
	"github.com/supabase-realtime/realtime/internal/authz"
	"github.com/supabase-realtime/realtime/internal/cdc"
	"github.com/supabase-realtime/realtime/internal/cluster"
	"github.com/supabase-realtime/realtime/internal/config"
	"github.com/supabase-realtime/realtime/internal/db"
	"github.com/supabase-realtime/realtime/internal/hub"
	"github.com/supabase-realtime/realtime/internal/httpapi"
	"github.com/supabase-realtime/realtime/internal/ratelimit"
	"github.com/supabase-realtime/realtime/internal/session"
	"github.com/supabase-realtime/realtime/internal/supervisor"
	"github.com/supabase-realtime/realtime/internal/tenant"
)

const shardCount = 64

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "realtime").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlDSN := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	controlPool, err := db.Open(ctx, controlDSN)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to control database")
		os.Exit(2)
	}
	defer controlPool.Close()

	registry := tenant.New(tenant.NewPgStore(controlPool), cfg.TenantCacheTTL, 10000)
	if err := registry.RefreshAll(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load tenants from control database")
		os.Exit(2)
	}

	verifier := auth.NewVerifier()
	registry.OnInvalidate(verifier.InvalidateTenant)

	// AuthorizationStore needs Supervisor (for per-tenant pools), and
	// Supervisor needs Hub (for CDC dispatch), and Hub needs
	// AuthorizationStore as its AuthzChecker. authzProxy late-binds the
	// real store once every piece exists, breaking the cycle.
	proxy := &authzProxy{}

	hubMetrics := hub.NewMetrics()
	h := hub.New(proxy, shardCount, hubMetrics)

	dialPool := func(ctx context.Context, t tenant.Tenant) (*pgxpool.Pool, error) {
		pcfg, err := pgxpool.ParseConfig(cdc.ConnString(t.PostgresCDC))
		if err != nil {
			return nil, err
		}
		pcfg.MaxConns = supervisor.DefaultPoolSize
		return pgxpool.NewWithConfig(ctx, pcfg)
	}
	sup := supervisor.New(h, cfg.IdleShutdownAfter, cfg.PollInterval, dialPool)

	authzStore := authz.New(sup, cfg.AuthzCacheTTL)
	proxy.store = authzStore
	registry.OnInvalidate(authzStore.InvalidateTenant)

	rateMetrics := ratelimit.NewMetrics()
	limiter := ratelimit.New(func(tenantExternalID string) ratelimit.Limits {
		t, err := registry.Lookup(ctx, tenantExternalID)
		if err != nil {
			return ratelimit.DefaultLimits
		}
		return ratelimit.Limits{EventsPerSec: t.MaxEventsPerSec, JoinsPerSec: t.MaxJoinsPerSec}
	}, rateMetrics)
	registry.OnInvalidate(limiter.InvalidateTenant)

	router := cluster.New(cfg.NodeID, cfg.DNSNodes, cfg.RebalanceGrace)
	router.SetTransport(cluster.NewHTTPTransport(cfg.HTTPAddr, cfg.SecretKeyBase))
	router.SetInternalSecret(cfg.SecretKeyBase)
	router.SetDeliver(h.BroadcastLocal)
	h.SetForwarder(router)

	sup.SetReadyAnnouncer(router)
	router.OnReplicatorReady(sup.NotifyReplicatorReady)

	router.OnOwnershipChange(func(tenantExternalID string, owned bool) {
		if !owned {
			// Run asynchronously: DrainForHandover waits (bounded by
			// RebalanceGrace) for the new owner's replicator_ready, and
			// must not block the discovery loop that invoked us.
			go sup.DrainForHandover(tenantExternalID, cfg.RebalanceGrace)
			return
		}
		t, err := registry.Lookup(ctx, tenantExternalID)
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenantExternalID).Msg("cluster: ownership gained but tenant lookup failed")
			return
		}
		sup.PromoteOwner(t)
	})
	go router.Run(ctx)
	go sup.RunIdleSweeper(ctx, time.Minute)

	registerCollectors(hubMetrics, rateMetrics)

	srv := &httpapi.Server{
		Registry: registry,
		Verifier: verifier,
		Limiter:  limiter,
		Hub:      h,
		SessionDeps: func(t tenant.Tenant) session.Deps {
			return session.Deps{
				Hub:               h,
				Verifier:          verifier,
				Limiter:           limiter,
				HeartbeatInterval: cfg.HeartbeatInterval,
			}
		},
		OnConnect: func(ctx context.Context, t tenant.Tenant) error {
			owner := router.Track(t.ExternalID)
			return sup.Acquire(ctx, t, owner)
		},
		OnDisconnect: sup.Release,
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Routes())
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/internal/cluster/forward", router.ForwardHandler())

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// authzProxy forwards to a *authz.Store set after construction,
// breaking the Hub -> AuthorizationStore -> Supervisor -> Hub
// initialization cycle.
type authzProxy struct {
	store *authz.Store
}

func (p *authzProxy) CanRead(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return p.store.CanRead(ctx, tenantExternalID, topic, claims)
}

func (p *authzProxy) CanWrite(ctx context.Context, tenantExternalID, topic string, claims auth.Claims) (bool, error) {
	return p.store.CanWrite(ctx, tenantExternalID, topic, claims)
}

func registerCollectors(hubMetrics *hub.Metrics, rateMetrics *ratelimit.Metrics) {
	for _, c := range hubMetrics.Collectors() {
		if err := prometheus.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register hub metrics collector")
		}
	}
	for _, c := range rateMetrics.Collectors() {
		if err := prometheus.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register ratelimit metrics collector")
		}
	}
}
