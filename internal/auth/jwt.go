// Package auth implements the per-tenant JWT verification contract
// named in spec.md §4.2.
package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/supabase-realtime/realtime/internal/tenant"
)

// AuthErrorKind enumerates the client-visible JWT failure reasons from
// spec.md §4.2.
type AuthErrorKind string

const (
	Expired       AuthErrorKind = "expired"
	BadSignature  AuthErrorKind = "bad_signature"
	BadFormat     AuthErrorKind = "bad_format"
	ClaimMismatch AuthErrorKind = "claim_mismatch"
)

// AuthError is returned by Verify on any validation failure.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authErr(kind AuthErrorKind, err error) error {
	return &AuthError{Kind: kind, Err: err}
}

// Claims is the validated, decoded JWT payload handed to callers.
type Claims struct {
	Subject string
	Role    string
	Raw     jwt.MapClaims
}

type cachedClaims struct {
	claims    Claims
	expiresAt time.Time
}

// Verifier validates JWTs against a tenant's configured secret/JWKS and
// claim validators (spec.md §4.2), caching successful verifications
// until the token's own expiry.
type Verifier struct {
	httpClient *http.Client

	mu         sync.Mutex
	jwksByTenant map[string]*jwksCache // keyed by tenant external id
	resultCache  map[string]cachedClaims // keyed by "tenant:tokenHash"
}

// NewVerifier constructs a Verifier. Callers should register it with
// tenant.Registry.OnInvalidate so its caches are evicted in lockstep
// with tenant cache invalidation.
func NewVerifier() *Verifier {
	return &Verifier{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		jwksByTenant: make(map[string]*jwksCache),
		resultCache:  make(map[string]cachedClaims),
	}
}

// InvalidateTenant evicts this tenant's cached verification results and
// JWKS keys. Registered as a tenant.Registry invalidate callback.
func (v *Verifier) InvalidateTenant(externalID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.jwksByTenant, externalID)
	for key := range v.resultCache {
		if tenantPrefix(key) == externalID {
			delete(v.resultCache, key)
		}
	}
}

func tenantPrefix(cacheKey string) string {
	for i, c := range cacheKey {
		if c == ':' {
			return cacheKey[:i]
		}
	}
	return cacheKey
}

// Verify validates token against the given tenant's configured
// signing material and claim validators, per spec.md §4.2.
func (v *Verifier) Verify(t tenant.Tenant, token string) (Claims, error) {
	if token == "" {
		return Claims{}, authErr(BadFormat, errors.New("empty token"))
	}

	cacheKey := t.ExternalID + ":" + tokenHash(token)
	if c, ok := v.getCached(cacheKey); ok {
		return c, nil
	}

	claims, err := v.verifyUncached(t, token)
	if err != nil {
		return Claims{}, err
	}

	var expiresAt time.Time
	if exp, ok := claims.Raw["exp"].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	} else {
		expiresAt = time.Now().Add(time.Minute)
	}

	v.mu.Lock()
	v.resultCache[cacheKey] = cachedClaims{claims: claims, expiresAt: expiresAt}
	v.mu.Unlock()

	return claims, nil
}

func (v *Verifier) getCached(cacheKey string) (Claims, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.resultCache[cacheKey]
	if !ok {
		return Claims{}, false
	}
	if time.Now().After(c.expiresAt) {
		delete(v.resultCache, cacheKey)
		return Claims{}, false
	}
	return c.claims, true
}

func (v *Verifier) verifyUncached(t tenant.Tenant, token string) (Claims, error) {
	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims, func(tok *jwt.Token) (any, error) {
		switch tok.Method.(type) {
		case *jwt.SigningMethodRSA:
			if t.JWTJWKSURL == "" {
				return nil, errors.New("tenant has no jwks configured")
			}
			kid, ok := tok.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			cache := v.jwksFor(t)
			return cache.getPublicKey(kid)

		case *jwt.SigningMethodHMAC:
			if t.JWTSecret == "" {
				return nil, errors.New("tenant has no hs256 secret configured")
			}
			return []byte(t.JWTSecret), nil

		default:
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, authErr(Expired, err)
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenMalformed) {
			return Claims{}, authErr(BadSignature, err)
		}
		return Claims{}, authErr(BadFormat, err)
	}
	if !parsed.Valid {
		return Claims{}, authErr(BadSignature, errors.New("token not valid"))
	}

	for claimName, expected := range t.JWTClaimValidators {
		actual, _ := mapClaims[claimName].(string)
		if actual != expected {
			return Claims{}, authErr(ClaimMismatch, fmt.Errorf("claim %q: expected %q, got %q", claimName, expected, actual))
		}
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return Claims{}, authErr(BadFormat, errors.New("missing sub claim"))
	}
	role, _ := mapClaims["role"].(string)

	return Claims{Subject: sub, Role: role, Raw: mapClaims}, nil
}

func (v *Verifier) jwksFor(t tenant.Tenant) *jwksCache {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.jwksByTenant[t.ExternalID]
	if !ok {
		c = &jwksCache{jwksURL: t.JWTJWKSURL, cacheTTL: time.Hour, httpClient: v.httpClient}
		v.jwksByTenant[t.ExternalID] = c
	}
	return c
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// --- JWKS fetching, adapted per-tenant from a single-issuer cache ---

type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
	jwksURL    string
	httpClient *http.Client
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *jwksCache) fetchJWKS(forceRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && time.Since(c.lastFetch) < c.cacheTTL && len(c.keys) > 0 {
		return nil
	}

	resp, err := c.httpClient.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Use != "sig" {
			continue
		}

		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to decode jwks modulus")
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to decode jwks exponent")
			continue
		}

		var eInt int
		for _, b := range eBytes {
			eInt = eInt<<8 | int(b)
		}

		keys[key.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}
	}

	if len(keys) == 0 {
		return errors.New("no valid RSA signing keys found in JWKS")
	}

	c.keys = keys
	c.lastFetch = time.Now()
	return nil
}

func (c *jwksCache) getPublicKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	cacheExpired := time.Since(c.lastFetch) >= c.cacheTTL
	c.mu.RUnlock()

	if cacheExpired {
		if err := c.fetchJWKS(false); err != nil {
			log.Warn().Err(err).Msg("failed to refresh expired jwks cache, using stale keys")
		}
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.fetchJWKS(true); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS for missing key %s: %w", kid, err)
	}
	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key ID %s not found in JWKS even after refresh", kid)
	}
	return key, nil
}
