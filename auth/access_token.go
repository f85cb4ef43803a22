package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/publisher-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the RFC 9068 access
// token authenticator (scopes, algorithms, leeway, etc.).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAdditionalAudiences accepts tokens minted for other audiences too,
// typically a local development URL.
func WithAdditionalAudiences(aud ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Audiences = append(c.Audiences, aud...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithJWKSURL skips OIDC discovery and fetches keys from url.
func WithJWKSURL(url string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.JWKSURL = url }
}

// WithClock sets the clock used for exp, nbf and iat checks.
func WithClock(clock clockwork.Clock) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Clock = clock }
}

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT access
// tokens issued by issuer for audience. Keys come from the issuer's OIDC
// discovery document unless WithJWKSURL is given.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	a, err := jwtauth.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a}, nil
}

// adapter maps the internal sentinels onto the public ones.
type adapter struct {
	a *jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, fmt.Errorf("%w: %w", ErrInsufficientScope, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return ui, nil
}
