package ssehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/ggoodman/publisher-gateway/auth"
	"github.com/ggoodman/publisher-gateway/gateway"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/internal/logctx"
	"github.com/ggoodman/publisher-gateway/internal/wellknown"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	connectionIDParam     = "connectionId"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultKeepAlive    = 15 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

// writeJSONError emits a transport-level rejection. This is not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	auth      auth.Authenticator
	realm     string
	keepAlive time.Duration
	maxBody   int64
	basePath  string
	clock     clockwork.Clock
	resource  *wellknown.ProtectedResourceMetadata
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every request and restricts
// each connection to the user that opened it.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithProtectedResource publishes RFC 9728 metadata for the public URL
// clients reach the gateway at, e.g. https://gw.example/mcp, and points
// every bearer challenge at it.
func WithProtectedResource(publicURL string, authorizationServers []string, scopes []string) Option {
	return func(c *config) {
		c.resource = &wellknown.ProtectedResourceMetadata{
			Resource:             publicURL,
			AuthorizationServers: authorizationServers,
			ScopesSupported:      scopes,
			ResourceName:         "publisher-gateway",
		}
	}
}

// WithKeepAlive sets the interval of keepalive comments on idle streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// WithMaxBodyBytes bounds POST bodies. Larger bodies get 413.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithBasePath mounts the endpoints under prefix, e.g. "/mcp".
func WithBasePath(prefix string) Option {
	return func(c *config) { c.basePath = strings.TrimSuffix(prefix, "/") }
}

// WithClock overrides the keepalive clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// Handler serves the push stream and the message endpoint of a gateway.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	gw        *gateway.Gateway
	auth      auth.Authenticator
	realm     string
	keepAlive time.Duration
	maxBody   int64
	basePath  string
	clock     clockwork.Clock

	// resourceMetadata is the discovery URL named in bearer challenges.
	resourceMetadata string
}

// New returns a handler exposing GET {base}/sse and POST {base}/messages.
func New(gw *gateway.Gateway, opts ...Option) *Handler {
	cfg := &config{
		logger:    slog.Default(),
		keepAlive: defaultKeepAlive,
		maxBody:   defaultMaxBodyBytes,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.New(cfg.logger.Handler())),
		gw:        gw,
		auth:      cfg.auth,
		realm:     cfg.realm,
		keepAlive: cfg.keepAlive,
		maxBody:   cfg.maxBody,
		basePath:  cfg.basePath,
		clock:     cfg.clock,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.basePath+"/sse", h.handleStream)
	mux.HandleFunc("POST "+h.basePath+"/messages", h.handleMessage)
	if md := cfg.resource; md != nil {
		path, perr := wellknown.MetadataPath(md.Resource)
		murl, uerr := wellknown.MetadataURL(md.Resource)
		if err := errors.Join(perr, uerr); err != nil {
			h.log.Error("sse.resource_metadata.invalid", slog.String("err", err.Error()))
		} else {
			mux.HandleFunc("GET "+path, wellknown.Handler(*md))
			h.resourceMetadata = murl
		}
	}
	h.mux = mux
	return h
}

// EndpointPath returns the message endpoint announced to connection id.
func (h *Handler) EndpointPath(id string) string {
	return h.basePath + "/messages?" + connectionIDParam + "=" + id
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lockedWriteFlusher serializes frames and flushes onto one response, and
// refuses writes once ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// writeFrame writes one complete SSE frame and flushes it.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return err
	}
	if _, err := l.Writer.Write(frame); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

// sseFrame renders one event. data must not contain newlines, which holds
// for compact JSON.
func sseFrame(event, id string, data []byte) []byte {
	var b bytes.Buffer
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "sse.not_acceptable")
		return
	}

	var userID string
	if h.auth != nil {
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			return
		}
		userID = userInfo.UserID()
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	// Nothing may precede the endpoint event, including broadcasts that race
	// with registration.
	ready := make(chan struct{})
	sink := gateway.SinkFunc(func(wctx context.Context, msg jsonrpc.Message) error {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		return wf.writeFrame(sseFrame("", ulid.Make().String(), msg))
	})

	conn, err := h.gw.Open(sink, userID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		h.log.WarnContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ConnectionID: conn.ID(), UserID: userID, Transport: "sse"})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := wf.writeFrame(sseFrame("endpoint", "", []byte(h.EndpointPath(conn.ID())))); err != nil {
		h.log.InfoContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		h.gw.Close(conn.ID())
		return
	}
	close(ready)
	h.log.InfoContext(ctx, "sse.open")

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			h.log.InfoContext(ctx, "sse.close.server", slog.Duration("dur", h.clock.Since(start)))
			return
		case <-ctx.Done():
			h.gw.Close(conn.ID())
			h.log.InfoContext(ctx, "sse.close.client", slog.Duration("dur", h.clock.Since(start)))
			return
		case <-ticker.Chan():
			if err := wf.writeFrame([]byte(": keepalive\n\n")); err != nil {
				h.gw.Close(conn.ID())
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := h.clock.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}

	var userID string
	if h.auth != nil {
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			return
		}
		userID = userInfo.UserID()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", h.maxBody))
			h.log.WarnContext(ctx, "http.post.too_large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	connID := r.URL.Query().Get(connectionIDParam)
	if connID == "" {
		h.handleDirect(ctx, w, body, start)
		return
	}

	// A connection owned by someone else is indistinguishable from a
	// missing one.
	owner, ok := h.gw.Owner(connID)
	if !ok || (h.auth != nil && owner != userID) {
		writeJSONError(w, http.StatusNotFound, "unknown connection")
		h.log.InfoContext(ctx, "http.post.connection.miss", slog.String("conn_id", connID))
		return
	}
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ConnectionID: connID, UserID: userID, Transport: "sse"})

	ack := h.gw.Accept(ctx, connID, body)
	h.writeAck(ctx, w, ack)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", h.clock.Since(start)))
}

func (h *Handler) handleDirect(ctx context.Context, w http.ResponseWriter, body []byte, start time.Time) {
	reply, ack, ok, err := h.gw.Exchange(ctx, body)
	if err != nil {
		if errors.Is(err, gateway.ErrShuttingDown) {
			writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		h.log.InfoContext(ctx, "http.post.direct.abandoned", slog.String("err", err.Error()))
		return
	}
	if ack.Status == gateway.StatusRejected {
		h.writeAck(ctx, w, ack)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeEnvelope(w, reply)
	h.log.InfoContext(ctx, "http.post.direct.ok", slog.Duration("dur", h.clock.Since(start)))
}

// writeAck maps a dispatcher acknowledgement onto the POST response.
func (h *Handler) writeAck(ctx context.Context, w http.ResponseWriter, ack gateway.Ack) {
	if ack.Status == gateway.StatusAccepted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	reply, ok := ack.Reply()
	if !ok {
		writeJSONError(w, http.StatusBadRequest, ack.ParseError.Reason)
		return
	}
	h.log.InfoContext(ctx, "http.post.rejected", slog.String("field", ack.ParseError.Field))
	writeEnvelope(w, reply)
}

func writeEnvelope(w http.ResponseWriter, env jsonrpc.Envelope) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jsonrpc.Encode(env))
}

// challenge renders this handler's Bearer challenge for an error code.
func (h *Handler) challenge(errCode, desc string) string {
	return buildBearerChallenge(h.realm, h.resourceMetadata, errCode, desc)
}

// buildBearerChallenge renders a Bearer challenge with optional realm,
// resource metadata and error parameters in a fixed order.
func buildBearerChallenge(realm, resourceMetadata, errCode, desc string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if desc != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(desc)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// checkAuthentication writes the challenge response and returns nil when the
// request does not carry a valid bearer token.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, h.challenge("", ""))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}

	tok, ok := auth.BearerToken(authHeader)
	if !ok {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, h.challenge("invalid_request", "malformed bearer authorization header"))
		writeJSONError(w, http.StatusUnauthorized, "malformed bearer authorization header")
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, h.challenge("invalid_token", err.Error()))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
		case errors.Is(err, auth.ErrInsufficientScope):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, h.challenge("insufficient_scope", err.Error()))
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
		default:
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		}
		return nil
	}
	return userInfo
}
