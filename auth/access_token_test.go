package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/publisher-gateway/auth"
)

const (
	issuer   = "https://issuer.example.com"
	audience = "https://publisher.example.com/api"
)

func jwksServer(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return pk, srv.URL
}

func sign(t *testing.T, pk *rsa.PrivateKey, scope string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   issuer,
		"sub":   "analyst",
		"aud":   audience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": scope,
	})
	tok.Header["kid"] = "k1"
	tok.Header["typ"] = "at+jwt"
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestNewFromDiscoveryMapsErrors(t *testing.T) {
	pk, jwksURL := jwksServer(t)
	ctx := t.Context()

	authn, err := auth.NewFromDiscovery(ctx, issuer, audience,
		auth.WithJWKSURL(jwksURL),
		auth.WithRequiredScopes("models:read"),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ui, err := authn.CheckAuthentication(ctx, sign(t, pk, "models:read"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want, got := "analyst", ui.UserID(); want != got {
		t.Fatalf("expected user %q, got %q", want, got)
	}

	if _, err := authn.CheckAuthentication(ctx, sign(t, pk, "other")); !errors.Is(err, auth.ErrInsufficientScope) {
		t.Fatalf("expected ErrInsufficientScope, got %v", err)
	}
	if _, err := authn.CheckAuthentication(ctx, "not-a-token"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewFromDiscoveryRequiresAudience(t *testing.T) {
	if _, err := auth.NewFromDiscovery(t.Context(), issuer, ""); err == nil {
		t.Fatalf("expected an error without an audience")
	}
}
