package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthorized means no usable credentials were presented. Transports
	// answer it with 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientScope means the token is valid but lacks a required
	// scope. Transports answer it with 403.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is an authenticated principal. UserID owns the connections the
// principal opens.
type UserInfo interface {
	UserID() string
	// Claims decodes the token claims into ref.
	Claims(ref any) error
}

// Authenticator checks a bearer token. Failures wrap ErrUnauthorized or
// ErrInsufficientScope; any other error is treated as a server fault.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively. It reports false when the header is
// not a bearer credential or the token is empty.
func BearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
