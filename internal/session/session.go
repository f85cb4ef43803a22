// Package session hides which physical channel carries a response. A
// handler's result either travels back over the caller's server-push stream
// or over the body of the POST that carried the request.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

// ErrNotificationsUnsupported is returned by Notify on a direct session,
// which has no channel for unsolicited messages.
var ErrNotificationsUnsupported = errors.New("session cannot carry notifications")

// ErrAlreadyResponded is returned when a second response is attempted on a
// direct session.
var ErrAlreadyResponded = errors.New("session already responded")

// Session is the response path of one exchange.
type Session interface {
	// ConnectionID identifies the originating stream, or is empty for a
	// direct session.
	ConnectionID() string
	Respond(ctx context.Context, env jsonrpc.Envelope) error
	Notify(ctx context.Context, method string, params any) error
}

// Sender delivers envelopes to a connection by id.
type Sender interface {
	Send(ctx context.Context, connID string, env jsonrpc.Envelope) error
}

type stream struct {
	sender Sender
	connID string
}

// Stream returns a session that pushes over the connection connID.
func Stream(sender Sender, connID string) Session {
	return &stream{sender: sender, connID: connID}
}

func (s *stream) ConnectionID() string { return s.connID }

func (s *stream) Respond(ctx context.Context, env jsonrpc.Envelope) error {
	return s.sender.Send(ctx, s.connID, env)
}

func (s *stream) Notify(ctx context.Context, method string, params any) error {
	env, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, s.connID, env)
}

// Direct is a session answered through the request that carried it.
type Direct struct {
	once sync.Once
	ch   chan jsonrpc.Envelope
}

// NewDirect returns a direct session awaiting exactly one response.
func NewDirect() *Direct {
	return &Direct{ch: make(chan jsonrpc.Envelope, 1)}
}

func (d *Direct) ConnectionID() string { return "" }

func (d *Direct) Respond(_ context.Context, env jsonrpc.Envelope) error {
	err := ErrAlreadyResponded
	d.once.Do(func() {
		d.ch <- env
		err = nil
	})
	return err
}

func (d *Direct) Notify(context.Context, string, any) error {
	return ErrNotificationsUnsupported
}

// Wait blocks until the response is available or ctx ends.
func (d *Direct) Wait(ctx context.Context) (jsonrpc.Envelope, error) {
	select {
	case env := <-d.ch:
		return env, nil
	case <-ctx.Done():
		return jsonrpc.Envelope{}, ctx.Err()
	}
}
