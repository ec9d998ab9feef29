package tenant

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a Store backed by the control-plane database's `tenants`
// and `extensions` tables (spec.md §6 Persisted state).
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing control-DB connection pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const tenantColumns = `
	external_id, jwt_secret, jwt_jwks_url, jwt_claim_validators,
	max_concurrent_clients, max_events_per_sec, max_joins_per_sec, suspended,
	cdc_host, cdc_port, cdc_name, cdc_user, cdc_password, cdc_slot_name,
	cdc_publication_name, cdc_ssl_enforced`

func (s *PgStore) FetchTenant(ctx context.Context, externalID string) (Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE external_id = $1`, externalID)

	t, err := scanTenant(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}

	exts, err := s.fetchExtensions(ctx, t.ExternalID)
	if err != nil {
		return Tenant{}, err
	}
	t.Extensions = exts
	return t, nil
}

func (s *PgStore) FetchAllTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		exts, err := s.fetchExtensions(ctx, t.ExternalID)
		if err != nil {
			return nil, err
		}
		t.Extensions = exts
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var t Tenant
	var claimValidatorsJSON []byte
	var jwksURL, cdcHost, cdcName, cdcUser, cdcPassword, cdcSlot, cdcPub *string
	var cdcPort *int
	var cdcSSL *bool

	err := row.Scan(
		&t.ExternalID, &t.JWTSecret, &jwksURL, &claimValidatorsJSON,
		&t.MaxConcurrentClients, &t.MaxEventsPerSec, &t.MaxJoinsPerSec, &t.Suspended,
		&cdcHost, &cdcPort, &cdcName, &cdcUser, &cdcPassword, &cdcSlot, &cdcPub, &cdcSSL,
	)
	if err != nil {
		return Tenant{}, err
	}

	if jwksURL != nil {
		t.JWTJWKSURL = *jwksURL
	}
	if len(claimValidatorsJSON) > 0 {
		if err := json.Unmarshal(claimValidatorsJSON, &t.JWTClaimValidators); err != nil {
			return Tenant{}, err
		}
	}
	if cdcHost != nil {
		t.PostgresCDC = PostgresCDCSettings{
			Host:            deref(cdcHost),
			Port:            derefInt(cdcPort),
			Name:            deref(cdcName),
			User:            deref(cdcUser),
			Password:        deref(cdcPassword),
			SlotName:        deref(cdcSlot),
			PublicationName: deref(cdcPub),
			SSLEnforced:     derefBool(cdcSSL),
		}
	}
	return t, nil
}

func (s *PgStore) fetchExtensions(ctx context.Context, externalID string) ([]Extension, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, settings FROM extensions WHERE tenant_external_id = $1`, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Extension
	for rows.Next() {
		var e Extension
		var settingsJSON []byte
		if err := rows.Scan(&e.Type, &settingsJSON); err != nil {
			return nil, err
		}
		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &e.Settings); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
