// Package dispatch turns raw inbound bodies into routed handler invocations.
//
// Acceptance is fast: a body is decoded, a request is registered with the
// pending monitor and validated, and the caller is told the outcome before
// the handler runs. Handler results are delivered later through a session.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/internal/logctx"
	"github.com/ggoodman/publisher-gateway/internal/metrics"
	"github.com/ggoodman/publisher-gateway/internal/pending"
	"github.com/ggoodman/publisher-gateway/internal/session"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/router"
)

// ErrShuttingDown is returned by Exchange, and answers requests accepted by
// Accept, once Shutdown has begun.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Status is the acknowledgement outcome of one inbound body.
type Status uint8

const (
	// StatusAccepted means the body was well formed. Any response, including
	// a routing error, travels over the session.
	StatusAccepted Status = iota + 1
	// StatusRejected means the body never reached the router.
	StatusRejected
)

// Ack describes what the transport should tell the sender of a body.
type Ack struct {
	Status Status
	// ParseError is set when Status is StatusRejected.
	ParseError *jsonrpc.ParseError
}

// Reply returns the error envelope for a rejected body, or false when the
// body was not an object at all and no envelope can be formed.
func (a Ack) Reply() (jsonrpc.Envelope, bool) {
	if a.ParseError == nil || a.ParseError.NotObject() {
		return jsonrpc.Envelope{}, false
	}
	return a.ParseError.Envelope(), true
}

// Dispatcher accepts inbound bodies for one gateway.
type Dispatcher struct {
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics

	router  *router.Router
	monitor *pending.Monitor
	sender  session.Sender

	// mu orders handler starts against Shutdown so that no goroutine is
	// added to wg once Shutdown has begun waiting.
	mu      sync.Mutex
	closing bool
	wg      conc.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithClock overrides the clock used for handler timings.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics records inbound and outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New returns a dispatcher routing through r, tracking requests in mon and
// pushing stream responses through sender.
func New(r *router.Router, mon *pending.Monitor, sender session.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:     slog.Default(),
		clock:   clockwork.NewRealClock(),
		router:  r,
		monitor: mon,
		sender:  sender,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// job is one prepared request awaiting its handler.
type job struct {
	ctx       context.Context
	id        jsonrpc.RequestID
	call      *router.Call
	sess      session.Session
	cancelled func() bool
	done      func()
}

// Accept processes one body received for the stream connID. The handler
// context derives from ctx without its cancellation, since the POST that
// carried the request completes long before the response is ready.
func (d *Dispatcher) Accept(ctx context.Context, connID string, body []byte) Ack {
	env, ack, ok := d.decode(ctx, body)
	if !ok {
		return ack
	}
	sess := session.Stream(d.sender, connID)

	switch env.Kind {
	case jsonrpc.KindNotification:
		d.notification(ctx, connID, env)
	case jsonrpc.KindRequest:
		ex, err := d.monitor.Track(context.WithoutCancel(ctx), connID, env.ID)
		if err != nil {
			d.respondNow(ctx, sess, env, &faults.DuplicateRequestError{ID: env.ID.String()})
			return ack
		}
		call, err := d.router.Prepare(env)
		if err != nil {
			d.respondNow(ctx, sess, env, err)
			d.monitor.Complete(ex)
			return ack
		}
		call.Session = sess
		call.SetCancelCheck(ex.Cancelled)
		started := d.start(job{
			ctx:       ex.Context(),
			id:        env.ID,
			call:      call,
			sess:      sess,
			cancelled: ex.Cancelled,
			done:      func() { d.monitor.Complete(ex) },
		})
		if !started {
			d.respondNow(ctx, sess, env, ErrShuttingDown)
			d.monitor.Complete(ex)
		}
	default:
		d.log.DebugContext(ctx, "rpc.response.ignored", slog.String("kind", env.Kind.String()), slog.String("id", env.ID.String()))
	}
	return ack
}

// Exchange processes one body whose response travels back on the same
// request. It returns false when there is nothing to return, which is the
// case for notifications. A rejected body is reported through the Ack.
func (d *Dispatcher) Exchange(ctx context.Context, body []byte) (jsonrpc.Envelope, Ack, bool, error) {
	env, ack, ok := d.decode(ctx, body)
	if !ok {
		return jsonrpc.Envelope{}, ack, false, nil
	}
	switch env.Kind {
	case jsonrpc.KindNotification:
		d.notification(ctx, "", env)
		return jsonrpc.Envelope{}, ack, false, nil
	case jsonrpc.KindRequest:
	default:
		return jsonrpc.Envelope{}, ack, false, nil
	}

	if d.isClosing() {
		return jsonrpc.Envelope{}, ack, false, ErrShuttingDown
	}

	direct := session.NewDirect()
	call, err := d.router.Prepare(env)
	if err != nil {
		d.respondNow(ctx, direct, env, err)
	} else {
		call.Session = direct
		call.SetCancelCheck(func() bool { return ctx.Err() != nil })
		started := d.start(job{
			ctx:       ctx,
			id:        env.ID,
			call:      call,
			sess:      direct,
			cancelled: func() bool { return ctx.Err() != nil },
			done:      func() {},
		})
		if !started {
			return jsonrpc.Envelope{}, ack, false, ErrShuttingDown
		}
	}
	reply, err := direct.Wait(ctx)
	if err != nil {
		return jsonrpc.Envelope{}, ack, false, err
	}
	return reply, ack, true, nil
}

func (d *Dispatcher) decode(ctx context.Context, body []byte) (jsonrpc.Envelope, Ack, bool) {
	env, err := jsonrpc.Decode(body)
	if err != nil {
		var pe *jsonrpc.ParseError
		if !errors.As(err, &pe) {
			pe = &jsonrpc.ParseError{Code: jsonrpc.ErrorCodeParseError, Reason: err.Error()}
		}
		d.metrics.Inbound("invalid")
		d.log.InfoContext(ctx, "rpc.decode.fail", slog.String("field", pe.Field), slog.String("err", pe.Reason))
		return jsonrpc.Envelope{}, Ack{Status: StatusRejected, ParseError: pe}, false
	}
	d.metrics.Inbound(env.Kind.String())
	return env, Ack{Status: StatusAccepted}, true
}

// respondNow delivers a routing failure before the body is acknowledged.
func (d *Dispatcher) respondNow(ctx context.Context, sess session.Session, env jsonrpc.Envelope, err error) {
	reply, ok := faults.Envelope(env.ID, nil, err)
	d.metrics.Outcome(env.Method, faults.Translate(err).Tier.String(), 0)
	if !ok {
		return
	}
	d.log.InfoContext(ctx, "rpc.route.fail",
		slog.String("method", env.Method),
		slog.String("id", env.ID.String()),
		slog.String("err", err.Error()),
	)
	if err := sess.Respond(ctx, reply); err != nil {
		d.log.WarnContext(ctx, "rpc.response.fail", slog.String("err", err.Error()))
	}
}

// start runs j on its own goroutine. It reports false once Shutdown has
// begun, in which case j is not run.
func (d *Dispatcher) start(j job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.wg.Go(func() { d.run(j) })
	return true
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

func (d *Dispatcher) run(j job) {
	defer j.done()

	ctx := logctx.WithRPCMessage(j.ctx, &logctx.RPCMessage{Method: j.call.Method, ID: j.id.String(), Type: "request"})
	if cid := j.sess.ConnectionID(); cid != "" {
		ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ConnectionID: cid})
	}
	started := d.clock.Now()

	var (
		res any
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { res, err = j.call.Invoke(ctx) })
	if rec := pc.Recovered(); rec != nil {
		d.log.ErrorContext(ctx, "rpc.handler.panic", slog.Any("panic", rec.Value), slog.String("stack", string(rec.Stack)))
		err = rec.AsError()
	}

	tier := "ok"
	if err != nil {
		tier = faults.Translate(err).Tier.String()
	}
	d.metrics.Outcome(j.call.Method, tier, d.clock.Since(started))

	reply, ok := faults.Envelope(j.id, res, err)
	if !ok {
		d.log.DebugContext(ctx, "rpc.response.suppressed", slog.String("err", err.Error()))
		return
	}
	if j.cancelled() {
		d.metrics.Orphaned()
		d.log.InfoContext(ctx, "rpc.response.orphaned", slog.String("cause", cause(j.ctx)))
		return
	}
	if err := j.sess.Respond(ctx, reply); err != nil {
		d.log.WarnContext(ctx, "rpc.response.fail", slog.String("err", err.Error()))
	}
}

func cause(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "cancelled"
}

func (d *Dispatcher) notification(ctx context.Context, connID string, env jsonrpc.Envelope) {
	switch env.Method {
	case string(mcp.CancelledNotificationMethod):
		var n mcp.CancelledNotification
		if err := json.Unmarshal(env.Params, &n); err != nil {
			d.log.InfoContext(ctx, "rpc.cancel.invalid", slog.String("err", err.Error()))
			return
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(n.RequestID, &id); err != nil || !id.IsValid() {
			d.log.InfoContext(ctx, "rpc.cancel.invalid", slog.String("request_id", string(n.RequestID)))
			return
		}
		found := connID != "" && d.monitor.Cancel(connID, id, pending.ErrCancelledByClient)
		d.log.DebugContext(ctx, "rpc.cancel", slog.String("id", id.String()), slog.Bool("pending", found), slog.String("reason", n.Reason))
	case string(mcp.InitializedNotificationMethod):
		d.log.DebugContext(ctx, "session.initialized", slog.String("conn_id", connID))
	default:
		d.log.DebugContext(ctx, "rpc.notification.ignored", slog.String("method", env.Method))
	}
}

// Shutdown waits for running handlers. Responses that complete after their
// connection closed are discarded as usual.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
