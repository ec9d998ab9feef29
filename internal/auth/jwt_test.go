package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/supabase-realtime/realtime/internal/tenant"
)

type mockJWKSServer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

func newMockJWKSServer() (*mockJWKSServer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &mockJWKSServer{privateKey: privateKey, publicKey: &privateKey.PublicKey, kid: "test-key-id"}, nil
}

func (m *mockJWKSServer) issueToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.kid
	return token.SignedString(m.privateKey)
}

func verifierWithStaticJWKS(t *testing.T, srv *mockJWKSServer, acmeTenant tenant.Tenant) *Verifier {
	t.Helper()
	v := NewVerifier()
	v.jwksByTenant[acmeTenant.ExternalID] = &jwksCache{
		keys:      map[string]*rsa.PublicKey{srv.kid: srv.publicKey},
		lastFetch: time.Now(),
		cacheTTL:  time.Hour,
	}
	return v
}

func TestVerify_HS256_Success(t *testing.T) {
	acme := tenant.Tenant{ExternalID: "acme", JWTSecret: "shh"}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "role": "authenticated", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(acme.JWTSecret))
	if err != nil {
		t.Fatal(err)
	}

	got, err := v.Verify(acme, signed)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.Subject != "user_123" || got.Role != "authenticated" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestVerify_HS256_WrongSecret(t *testing.T) {
	acme := tenant.Tenant{ExternalID: "acme", JWTSecret: "shh"}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte("wrong-secret"))

	_, err := v.Verify(acme, signed)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != BadSignature {
		t.Fatalf("expected BadSignature, got %v", err)
	}
}

func TestVerify_HS256_Expired(t *testing.T) {
	acme := tenant.Tenant{ExternalID: "acme", JWTSecret: "shh"}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(-time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(acme.JWTSecret))

	_, err := v.Verify(acme, signed)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != Expired {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestVerify_ClaimValidatorMismatch(t *testing.T) {
	acme := tenant.Tenant{
		ExternalID:         "acme",
		JWTSecret:          "shh",
		JWTClaimValidators: map[string]string{"env": "production"},
	}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "env": "staging", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(acme.JWTSecret))

	_, err := v.Verify(acme, signed)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != ClaimMismatch {
		t.Fatalf("expected ClaimMismatch, got %v", err)
	}
}

func TestVerify_ClaimValidatorMatch(t *testing.T) {
	acme := tenant.Tenant{
		ExternalID:         "acme",
		JWTSecret:          "shh",
		JWTClaimValidators: map[string]string{"env": "production"},
	}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "env": "production", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(acme.JWTSecret))

	if _, err := v.Verify(acme, signed); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestVerify_RS256ViaJWKS(t *testing.T) {
	srv, err := newMockJWKSServer()
	if err != nil {
		t.Fatal(err)
	}
	acme := tenant.Tenant{ExternalID: "acme", JWTJWKSURL: "https://example/jwks"}
	v := verifierWithStaticJWKS(t, srv, acme)

	claims := jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := srv.issueToken(claims)
	if err != nil {
		t.Fatal(err)
	}

	got, err := v.Verify(acme, signed)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.Subject != "user_123" {
		t.Fatalf("unexpected subject %q", got.Subject)
	}
}

func TestVerify_MissingSubClaim(t *testing.T) {
	acme := tenant.Tenant{ExternalID: "acme", JWTSecret: "shh"}
	v := NewVerifier()

	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(acme.JWTSecret))

	_, err := v.Verify(acme, signed)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Kind != BadFormat {
		t.Fatalf("expected BadFormat, got %v", err)
	}
}

func TestVerify_ResultIsCachedUntilExpiry(t *testing.T) {
	acme := tenant.Tenant{ExternalID: "acme", JWTSecret: "shh"}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(acme.JWTSecret))

	if _, err := v.Verify(acme, signed); err != nil {
		t.Fatal(err)
	}
	cacheKey := acme.ExternalID + ":" + tokenHash(signed)
	if _, ok := v.getCached(cacheKey); !ok {
		t.Fatal("expected successful verification to populate the cache")
	}
}

func TestInvalidateTenant_EvictsCache(t *testing.T) {
	acme := tenant.Tenant{ExternalID: "acme", JWTSecret: "shh"}
	v := NewVerifier()

	claims := jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(acme.JWTSecret))

	if _, err := v.Verify(acme, signed); err != nil {
		t.Fatal(err)
	}
	v.InvalidateTenant("acme")

	cacheKey := acme.ExternalID + ":" + tokenHash(signed)
	if _, ok := v.getCached(cacheKey); ok {
		t.Fatal("expected cache entry to be evicted after tenant invalidate")
	}
}
