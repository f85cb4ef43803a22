// Package auth provides pluggable bearer token authentication for the
// gateway's HTTP transport.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo or an error. The transport extracts the token from the request
// and maps the sentinel errors into challenges: ErrUnauthorized becomes a
// 401 with a Bearer WWW-Authenticate header, ErrInsufficientScope a 403.
// The returned user id scopes connection ownership, so a stream opened by
// one user cannot be posted to by another.
//
// # Access Token Authentication
//
// NewFromDiscovery constructs an Authenticator that validates RFC 9068
// access tokens using OpenID Connect discovery to obtain the issuer's JWKS.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://publisher.example/api",
//	    auth.WithRequiredScopes("models:read"),
//	)
//
// WithJWKSURL bypasses discovery for issuers that do not publish it.
package auth
