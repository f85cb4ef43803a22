// Package connections tracks the open server-push streams of the gateway.
//
// Membership is owned by a single actor goroutine: every open, close and
// removal is a closure executed by that goroutine, so the map is never
// touched concurrently. Writes to a connection's sink happen outside the
// actor and are serialized per connection.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

var (
	// ErrNotConnected is returned when sending to an unknown or closed connection.
	ErrNotConnected = errors.New("connection not open")
	// ErrRegistryClosed is returned by Open after Shutdown.
	ErrRegistryClosed = errors.New("connection registry closed")
)

// Sink is the write side of one server-push stream.
type Sink interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg jsonrpc.Message) error

func (f SinkFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error { return f(ctx, msg) }

// State is the lifecycle state of a connection.
type State uint32

const (
	StateOpen State = iota + 1
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one open stream. Only the Registry creates and closes it.
type Connection struct {
	id       string
	userID   string
	openedAt time.Time
	sink     Sink

	state   atomic.Uint32
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) UserID() string      { return c.userID }
func (c *Connection) OpenedAt() time.Time { return c.openedAt }
func (c *Connection) State() State        { return State(c.state.Load()) }

// Done is closed once the connection has been removed from the registry.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) write(ctx context.Context, msg jsonrpc.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != StateOpen {
		return ErrNotConnected
	}
	return c.sink.WriteMessage(ctx, msg)
}

// finish waits out any in-flight write, then marks the connection closed.
func (c *Connection) finish() {
	c.writeMu.Lock()
	c.state.Store(uint32(StateClosed))
	close(c.done)
	c.writeMu.Unlock()
}

type membership map[string]*Connection

// Registry is the set of open connections.
type Registry struct {
	log   *slog.Logger
	clock clockwork.Clock
	newID func() string

	ops      chan func(membership)
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	listenersMu sync.RWMutex
	listeners   []func(id string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the clock used to stamp connections.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIDGenerator overrides connection id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry starts a registry. Call Shutdown to stop it.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:     slog.Default(),
		clock:   clockwork.NewRealClock(),
		newID:   uuid.NewString,
		ops:     make(chan func(membership)),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.stopped)
	m := make(membership)
	for {
		select {
		case op := <-r.ops:
			op(m)
		case <-r.stop:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (r *Registry) do(fn func(membership)) error {
	done := make(chan struct{})
	select {
	case r.ops <- func(m membership) { fn(m); close(done) }:
	case <-r.stopped:
		return ErrRegistryClosed
	}
	<-done
	return nil
}

// OnClose subscribes fn to connection teardown. fn runs exactly once per
// closed connection, after the connection has left the registry.
func (r *Registry) OnClose(fn func(id string)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Open registers a new connection writing to sink.
func (r *Registry) Open(sink Sink, userID string) (*Connection, error) {
	c := &Connection{
		id:       r.newID(),
		userID:   userID,
		openedAt: r.clock.Now(),
		sink:     sink,
		done:     make(chan struct{}),
	}
	c.state.Store(uint32(StateOpen))

	var dup bool
	if err := r.do(func(m membership) {
		if _, dup = m[c.id]; !dup {
			m[c.id] = c
		}
	}); err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("connection id %s already registered", c.id)
	}

	r.log.Debug("registry.open", slog.String("conn_id", c.id))
	return c, nil
}

// Close removes the connection. It reports whether id was open.
func (r *Registry) Close(id string) bool {
	return r.remove(id, nil)
}

func (r *Registry) remove(id string, cause error) bool {
	var c *Connection
	if err := r.do(func(m membership) {
		if c = m[id]; c != nil {
			delete(m, id)
			c.state.Store(uint32(StateClosing))
		}
	}); err != nil || c == nil {
		return false
	}

	c.finish()
	if cause != nil {
		r.log.Info("registry.remove", slog.String("conn_id", id), slog.String("err", cause.Error()))
	} else {
		r.log.Debug("registry.close", slog.String("conn_id", id))
	}
	r.notifyClosed(id)
	return true
}

func (r *Registry) notifyClosed(id string) {
	r.listenersMu.RLock()
	listeners := append([]func(string){}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// Lookup returns the open connection with the given id.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	var c *Connection
	_ = r.do(func(m membership) { c = m[id] })
	return c, c != nil
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	var n int
	_ = r.do(func(m membership) { n = len(m) })
	return n
}

func (r *Registry) snapshot() []*Connection {
	var out []*Connection
	_ = r.do(func(m membership) {
		out = make([]*Connection, 0, len(m))
		for _, c := range m {
			out = append(out, c)
		}
	})
	return out
}

// Send delivers env to one connection. Unknown or closed ids yield a
// *faults.TransportError wrapping ErrNotConnected. A failed write removes
// the connection.
func (r *Registry) Send(ctx context.Context, id string, env jsonrpc.Envelope) error {
	msg := jsonrpc.Encode(env)
	c, ok := r.Lookup(id)
	if !ok {
		return &faults.TransportError{ConnectionID: id, Err: ErrNotConnected}
	}
	return r.deliver(ctx, c, msg)
}

func (r *Registry) deliver(ctx context.Context, c *Connection, msg jsonrpc.Message) error {
	if err := c.write(ctx, msg); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			r.remove(c.id, err)
		}
		return &faults.TransportError{ConnectionID: c.id, Err: err}
	}
	return nil
}

// Broadcast delivers env to every open connection. Delivery is best effort:
// one failing connection does not block the others. Each failure is
// returned and the failing connection is removed.
func (r *Registry) Broadcast(ctx context.Context, env jsonrpc.Envelope) []error {
	msg := jsonrpc.Encode(env)

	var (
		mu   sync.Mutex
		errs []error
		wg   conc.WaitGroup
	)
	for _, c := range r.snapshot() {
		wg.Go(func() {
			if err := r.deliver(ctx, c, msg); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errs
}

// Shutdown closes every connection and stops the actor.
func (r *Registry) Shutdown(ctx context.Context) error {
	var conns []*Connection
	err := r.do(func(m membership) {
		for id, c := range m {
			c.state.Store(uint32(StateClosing))
			conns = append(conns, c)
			delete(m, id)
		}
	})
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.stopped
	if err != nil {
		// Already shut down.
		return nil
	}

	for _, c := range conns {
		c.finish()
		r.notifyClosed(c.id)
	}
	r.log.InfoContext(ctx, "registry.shutdown", slog.Int("closed", len(conns)))
	return nil
}
