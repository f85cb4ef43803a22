// Package jwtauth verifies RFC 9068 JWT access tokens against an issuer's
// JWKS, found either through OpenID Connect discovery or configured directly.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy; callers should respond with HTTP 403 where relevant.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// JWKSURL skips discovery when set.
	JWKSURL string
	// Audiences holds every accepted "aud" value. A token must name at least
	// one of them.
	Audiences      []string
	RequiredScopes []string
	ScopeModeAny   bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs    []string
	Leeway         time.Duration
	// AllowPlainJWT accepts tokens whose typ header is not at+jwt.
	AllowPlainJWT bool
	Clock         clockwork.Clock
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo is the subject and raw claims of a validated token.
type UserInfo struct {
	sub    string
	claims map[string]any
}

func (u *UserInfo) UserID() string { return u.sub }

func (u *UserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens. Safe for concurrent use.
type Authenticator struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// New builds an Authenticator. Without cfg.JWKSURL the issuer's discovery
// document supplies the JWKS location and the canonical issuer string. The
// key set is refreshed in the background until ctx is done.
func New(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	issuer, jwksURL := c.Issuer, c.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, c.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", err)
		}
		var meta struct {
			Issuer  string `json:"issuer"`
			JwksURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("invalid discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("discovery incomplete: missing jwks_uri")
		}
		issuer, jwksURL = meta.Issuer, meta.JwksURI
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Authenticator{
		cfg:    c,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// CheckAuthentication verifies tok and returns its subject. Failures wrap
// ErrUnauthorized or ErrInsufficientScope.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (*UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithTimeFunc(a.cfg.Clock.Now),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if !a.cfg.AllowPlainJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(a.cfg.Clock.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &UserInfo{sub: sub, claims: claims}, nil
}

func (a *Authenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		for _, want := range a.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return fmt.Errorf("%w: need one of %s", ErrInsufficientScope, strings.Join(a.cfg.RequiredScopes, " "))
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
