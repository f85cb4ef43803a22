// Package authtest provides an in-memory authenticator for tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/publisher-gateway/auth"
)

// Tokens maps bearer tokens to user ids.
type Tokens map[string]string

// CheckAuthentication implements auth.Authenticator.
func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	user, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User(user), nil
}

// User is a claimless principal.
type User string

func (u User) UserID() string   { return string(u) }
func (u User) Claims(any) error { return nil }

var _ auth.Authenticator = Tokens(nil)
