package tenant

import "fmt"

// PostgresCDCSettings holds the tenant's logical-replication connection
// parameters (spec.md §3, §4.6).
type PostgresCDCSettings struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SlotName        string
	PublicationName string
	SSLEnforced     bool
}

// Extension is a tenant add-on. Only "postgres_cdc_rls" is modeled by
// this spec; the invariant in spec.md §3 ("at most one postgres_cdc_rls
// extension per tenant") is checked by Tenant.Validate. PgStore and
// Registry do not call Validate on the tenants they load.
type Extension struct {
	Type     string
	Settings map[string]any
}

// Tenant is the authoritative configuration record for one tenant,
// mirrored in-process from the control database (spec.md §3).
type Tenant struct {
	ExternalID           string
	JWTSecret            string
	JWTJWKSURL           string
	JWTClaimValidators   map[string]string
	MaxConcurrentClients int
	MaxEventsPerSec      float64
	MaxJoinsPerSec       float64
	Extensions           []Extension
	Suspended            bool
	PostgresCDC          PostgresCDCSettings
}

// Validate enforces the invariants named in spec.md §3.
func (t Tenant) Validate() error {
	if t.ExternalID == "" {
		return fmt.Errorf("tenant: external_id is required")
	}
	cdcCount := 0
	for _, e := range t.Extensions {
		if e.Type == "postgres_cdc_rls" {
			cdcCount++
		}
	}
	if cdcCount > 1 {
		return fmt.Errorf("tenant %s: at most one postgres_cdc_rls extension is allowed, found %d", t.ExternalID, cdcCount)
	}
	return nil
}

// HasCDC reports whether the tenant has a postgres_cdc_rls extension.
func (t Tenant) HasCDC() bool {
	for _, e := range t.Extensions {
		if e.Type == "postgres_cdc_rls" {
			return true
		}
	}
	return false
}
