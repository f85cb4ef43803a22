// Package remote is a queryengine.Engine that talks JSON over HTTP to an
// engine service exposing POST /compile and POST /execute.
package remote

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

	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/queryengine"
)

const maxResponseBytes = 64 << 20

// Client is safe for concurrent use.
type Client struct {
	log     *slog.Logger
	clock   clockwork.Clock
	http    *http.Client
	baseURL string
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient sets the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBearerToken authenticates every call with token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithClock sets the clock used for call timings.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// New returns a client for the engine at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		log:     slog.Default(),
		clock:   clockwork.NewRealClock(),
		http:    http.DefaultClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorBody is what the engine returns with a non-2xx status.
type errorBody struct {
	Message  string           `json:"message"`
	Problems []faults.Problem `json:"problems,omitempty"`
}

func (c *Client) Compile(ctx context.Context, req queryengine.CompileRequest) (*queryengine.CompileResult, error) {
	var out queryengine.CompileResult
	if err := c.call(ctx, "/compile", req, &out); err != nil {
		return nil, err
	}
	if out.HasErrors() {
		return &out, &faults.ComputationError{Summary: "model failed to compile", Problems: out.Problems}
	}
	return &out, nil
}

func (c *Client) Execute(ctx context.Context, spec queryengine.QuerySpec) (*queryengine.ExecuteResult, error) {
	var out queryengine.ExecuteResult
	if err := c.call(ctx, "/execute", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call posts in and decodes the reply into out. Engine rejections (4xx/5xx
// with a message) become *faults.ComputationError; a cancelled ctx is
// returned as is.
func (c *Client) call(ctx context.Context, path string, in, out any) error {
	start := c.clock.Now()
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("remote: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.WarnContext(ctx, "engine.call.fail", slog.String("path", path), slog.String("err", err.Error()))
		return &faults.ComputationError{Summary: "query engine unavailable", Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return &faults.ComputationError{Summary: "query engine response unreadable", Err: err}
	}
	c.log.DebugContext(ctx, "engine.call",
		slog.String("path", path),
		slog.Int("status", res.StatusCode),
		slog.Duration("dur", c.clock.Since(start)),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Message == "" {
			eb.Message = strings.TrimSpace(string(raw))
		}
		if eb.Message == "" {
			eb.Message = http.StatusText(res.StatusCode)
		}
		return &faults.ComputationError{
			Summary:  eb.Message,
			Problems: eb.Problems,
			Err:      fmt.Errorf("engine returned %d", res.StatusCode),
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &faults.ComputationError{Summary: "query engine response malformed", Err: err}
	}
	return nil
}

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("no query engine configured")

// Unconfigured is an Engine that fails every call, used when no engine URL
// is set so resource browsing still works.
type Unconfigured struct{}

func (Unconfigured) Compile(context.Context, queryengine.CompileRequest) (*queryengine.CompileResult, error) {
	return nil, &faults.ComputationError{Summary: "query engine unavailable", Err: ErrNotConfigured}
}

func (Unconfigured) Execute(context.Context, queryengine.QuerySpec) (*queryengine.ExecuteResult, error) {
	return nil, &faults.ComputationError{Summary: "query engine unavailable", Err: ErrNotConfigured}
}

var (
	_ queryengine.Engine = (*Client)(nil)
	_ queryengine.Engine = Unconfigured{}
)
