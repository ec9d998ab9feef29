// Package config loads process-wide configuration from the environment.
//
// Tenant-scoped configuration (JWT secrets, claim validators, rate limit
// overrides) lives in the tenant registry, not here; this package only
// covers the environment variables named in spec.md §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration, parsed once at boot.
type Config struct {
	// Control-plane database (tenant records, extensions).
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	SecretKeyBase string // signed-cookie secret

	AppName  string // node basename used for cluster discovery
	NodeID   string // this node's own address, used as its cluster ring identity and forwarding target
	DNSNodes string // peer discovery query name

	SecureChannels bool // forces `private` auth on all channels

	HTTPAddr string

	// Built-in defaults; not read from the environment and not
	// overridden by the tenant record.
	TenantCacheTTL       time.Duration
	AuthzCacheTTL        time.Duration
	IdleShutdownAfter    time.Duration
	RebalanceGrace       time.Duration
	DrainTimeout         time.Duration
	HeartbeatInterval    time.Duration
	PollInterval         time.Duration
	PollMaxRecordBytes   int
	ReplicationSlowQueue time.Duration
}

// Load reads configuration from the environment. Missing required
// variables are a fatal config error (exit code 1 per spec.md §6).
func Load() (Config, error) {
	cfg := Config{
		DBHost:     env("DB_HOST", "localhost"),
		DBPort:     env("DB_PORT", "5432"),
		DBUser:     env("DB_USER", ""),
		DBPassword: env("DB_PASSWORD", ""),
		DBName:     env("DB_NAME", ""),

		SecretKeyBase: env("SECRET_KEY_BASE", ""),
		AppName:       env("APP_NAME", "realtime"),
		NodeID:        env("NODE_ID", env("POD_IP", hostnameOrFallback())),
		DNSNodes:      env("DNS_NODES", ""),

		HTTPAddr: env("HTTP_ADDR", ":4000"),

		TenantCacheTTL:     30 * time.Second,
		AuthzCacheTTL:      120 * time.Second,
		IdleShutdownAfter:  5 * time.Minute,
		RebalanceGrace:     10 * time.Second,
		DrainTimeout:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		PollInterval:       100 * time.Millisecond,
		PollMaxRecordBytes: 1 << 20,
	}

	if cfg.DBUser == "" || cfg.DBName == "" {
		return Config{}, fmt.Errorf("config: DB_USER and DB_NAME are required")
	}
	if cfg.SecretKeyBase == "" {
		return Config{}, fmt.Errorf("config: SECRET_KEY_BASE is required")
	}

	secure, err := strconv.ParseBool(env("SECURE_CHANNELS", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("config: SECURE_CHANNELS must be a bool: %w", err)
	}
	cfg.SecureChannels = secure

	return cfg, nil
}

// ParseClaimValidators parses the JWT_CLAIM_VALIDATORS-style JSON blob
// stored on a tenant record into a typed validator map, per spec.md §9
// ("dynamic claim validators from JSON env -> typed validator config").
// Invalid JSON is a fatal configuration error for that tenant.
func ParseClaimValidators(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("config: invalid claim validators json: %w", err)
	}
	return out, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// hostnameOrFallback returns the process's own hostname for use as a
// cluster node identity when NODE_ID/POD_IP are both unset (spec.md
// §4.7); this is the common case for single-node/local runs.
func hostnameOrFallback() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
