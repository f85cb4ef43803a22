package stdio

import (
	"io"
	"log/slog"
	"os/user"
)

// Option customizes a Handler.
type Option func(*Handler)

// UserFunc names the principal that owns the stdio connection.
type UserFunc func() (string, error)

// OSUser names the peer after the account running the process: its
// username, or its uid when the username is unknown.
func OSUser() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// FixedUser always names id.
func FixedUser(id string) UserFunc {
	return func() (string, error) { return id, nil }
}

// WithIO replaces stdin and stdout. A nil side keeps its default.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithUser overrides how the peer is named. Defaults to OSUser.
func WithUser(fn UserFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.user = fn
		}
	}
}

// WithMaxLineBytes bounds the size of one inbound envelope. A longer line
// ends Serve with an error.
func WithMaxLineBytes(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLine = n
		}
	}
}
