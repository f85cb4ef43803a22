// Package gateway assembles the protocol gateway: the connection registry,
// the pending-request monitor, the router and the inbound dispatcher. Each
// transport drives a Gateway through Open, Accept and Close.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/publisher-gateway/broker"
	"github.com/ggoodman/publisher-gateway/internal/connections"
	"github.com/ggoodman/publisher-gateway/internal/dispatch"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/internal/metrics"
	"github.com/ggoodman/publisher-gateway/internal/pending"
	"github.com/ggoodman/publisher-gateway/internal/session"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/router"
)

// Re-exported so transports outside internal/ can name them.
type (
	Ack        = dispatch.Ack
	Connection = connections.Connection
	Sink       = connections.Sink
	SinkFunc   = connections.SinkFunc
)

const (
	StatusAccepted = dispatch.StatusAccepted
	StatusRejected = dispatch.StatusRejected
)

const resubscribeDelay = time.Second

var (
	// ErrNotConnected is returned for ids that name no open connection.
	ErrNotConnected = connections.ErrNotConnected
	// ErrShuttingDown is returned by Exchange once Shutdown has begun.
	ErrShuttingDown = dispatch.ErrShuttingDown
)

// Gateway is safe for concurrent use.
type Gateway struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
	broker  broker.Broker

	router     *router.Router
	registry   *connections.Registry
	monitor    *pending.Monitor
	dispatcher *dispatch.Dispatcher

	subCancel context.CancelFunc
	subDone   chan struct{}
	startOnce sync.Once
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithClock overrides the clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithMetrics records gateway metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithBroker routes broadcasts through b so that every replica subscribed
// to the same broker delivers them. Without a broker broadcasts stay local.
func WithBroker(b broker.Broker) Option {
	return func(g *Gateway) { g.broker = b }
}

// New builds a gateway serving r. The router is sealed.
func New(r *router.Router, opts ...Option) *Gateway {
	g := &Gateway{
		log:    slog.Default(),
		clock:  clockwork.NewRealClock(),
		router: r,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.registry = connections.NewRegistry(
		connections.WithLogger(g.log),
		connections.WithClock(g.clock),
	)
	g.monitor = pending.NewMonitor(g.clock)
	g.registry.OnClose(func(id string) {
		n := g.monitor.ConnectionClosed(id)
		g.metrics.ConnectionClosed()
		g.log.Debug("gateway.connection.closed", slog.String("conn_id", id), slog.Int("cancelled", n))
	})

	r.Seal()
	g.dispatcher = dispatch.New(r, g.monitor, g.registry,
		dispatch.WithLogger(g.log),
		dispatch.WithClock(g.clock),
		dispatch.WithMetrics(g.metrics),
	)
	return g
}

// Router returns the router the gateway serves.
func (g *Gateway) Router() *router.Router { return g.router }

// Start subscribes to the broker's broadcast topic. It is a no-op without a
// broker and safe to call more than once.
func (g *Gateway) Start(ctx context.Context) {
	if g.broker == nil {
		return
	}
	g.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g.subCancel = cancel
		g.subDone = make(chan struct{})
		go func() {
			defer close(g.subDone)
			for ctx.Err() == nil {
				err := g.broker.Subscribe(ctx, broker.BroadcastTopic, "", g.relay)
				if err != nil && ctx.Err() == nil {
					g.log.Error("gateway.broadcast.subscribe.fail", slog.String("err", err.Error()))
					select {
					case <-ctx.Done():
					case <-g.clock.After(resubscribeDelay):
					}
				}
			}
		}()
	})
}

// relay fans a brokered broadcast out to this replica's connections.
func (g *Gateway) relay(ctx context.Context, msg broker.MessageEnvelope) error {
	env, err := jsonrpc.Decode(msg.Data)
	if err != nil {
		g.log.WarnContext(ctx, "gateway.broadcast.invalid", slog.String("event_id", msg.ID), slog.String("err", err.Error()))
		return nil
	}
	g.fanOut(ctx, env)
	return nil
}

func (g *Gateway) fanOut(ctx context.Context, env jsonrpc.Envelope) {
	errs := g.registry.Broadcast(ctx, env)
	for _, err := range errs {
		g.metrics.ConnectionDropped()
		g.log.InfoContext(ctx, "gateway.broadcast.drop", slog.String("err", err.Error()))
	}
}

// Open registers a push stream writing to sink.
func (g *Gateway) Open(sink Sink, userID string) (*Connection, error) {
	c, err := g.registry.Open(sink, userID)
	if err != nil {
		return nil, err
	}
	g.metrics.ConnectionOpened()
	return c, nil
}

// Close tears the connection down and cancels its pending requests.
func (g *Gateway) Close(id string) bool {
	return g.registry.Close(id)
}

// Lookup returns an open connection.
func (g *Gateway) Lookup(id string) (*Connection, bool) {
	return g.registry.Lookup(id)
}

// Owner returns the user that opened connection id.
func (g *Gateway) Owner(id string) (string, bool) {
	c, ok := g.registry.Lookup(id)
	if !ok {
		return "", false
	}
	return c.UserID(), true
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int { return g.registry.Len() }

// Accept processes a body posted for connection connID.
func (g *Gateway) Accept(ctx context.Context, connID string, body []byte) Ack {
	return g.dispatcher.Accept(ctx, connID, body)
}

// Exchange processes a body whose response returns on the same request.
func (g *Gateway) Exchange(ctx context.Context, body []byte) (jsonrpc.Envelope, Ack, bool, error) {
	return g.dispatcher.Exchange(ctx, body)
}

// Notify pushes a notification to one connection.
func (g *Gateway) Notify(ctx context.Context, connID, method string, params any) error {
	return session.Stream(g.registry, connID).Notify(ctx, method, params)
}

// Broadcast pushes a notification to every connection, on every replica
// when a broker is configured.
func (g *Gateway) Broadcast(ctx context.Context, method string, params any) error {
	env, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if g.broker != nil {
		_, err := g.broker.Publish(ctx, broker.BroadcastTopic, jsonrpc.Encode(env))
		return err
	}
	g.fanOut(ctx, env)
	return nil
}

// ResourcesChanged tells every client to re-list resources.
func (g *Gateway) ResourcesChanged(ctx context.Context) error {
	return g.Broadcast(ctx, string(mcp.ResourcesListChangedNotificationMethod), nil)
}

// Shutdown stops accepting work, waits for running handlers and closes
// every connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.subCancel != nil {
		g.subCancel()
		<-g.subDone
	}
	var merr *multierror.Error
	if err := g.dispatcher.Shutdown(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := g.registry.Shutdown(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
