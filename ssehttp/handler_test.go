package ssehttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/publisher-gateway/auth/authtest"
	"github.com/ggoodman/publisher-gateway/gateway"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/router"
)

type event struct {
	name string
	id   string
	data string
}

// stream is an open SSE response read frame by frame.
type stream struct {
	t      *testing.T
	res    *http.Response
	events chan event
}

func openStream(t *testing.T, srv *httptest.Server, token string) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	s := &stream{t: t, res: res, events: make(chan event, 16)}
	go s.read()
	t.Cleanup(func() {
		cancel()
		res.Body.Close()
	})
	return s
}

func (s *stream) read() {
	defer close(s.events)
	sc := bufio.NewScanner(s.res.Body)
	var ev event
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ev.data != "" || ev.name != "" {
				s.events <- ev
			}
			ev = event{}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (s *stream) next() event {
	s.t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			s.t.Fatalf("stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		s.t.Fatalf("timed out waiting for an event")
		return event{}
	}
}

func (s *stream) envelope() jsonrpc.Envelope {
	s.t.Helper()
	ev := s.next()
	env, err := jsonrpc.Decode([]byte(ev.data))
	if err != nil {
		s.t.Fatalf("decode pushed envelope %q: %v", ev.data, err)
	}
	if ev.id == "" {
		s.t.Fatalf("expected an event id")
	}
	return env
}

func newServer(t *testing.T, opts ...Option) (*httptest.Server, *gateway.Gateway, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	r := router.New()
	r.MustRegister(router.Method("test/slow", router.KindToolInvoke, func(ctx context.Context, call *router.Call, _ mcp.PingRequest) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return map[string]bool{"slow": true}, nil
	}))
	gw := gateway.New(r)
	srv := httptest.NewServer(New(gw, opts...))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return srv, gw, release
}

func post(t *testing.T, srv *httptest.Server, path, token, ctype string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+path, bytes.NewReader(body))
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res, b
}

func mustRequest(t *testing.T, id int64, method string, params any) []byte {
	t.Helper()
	env, err := jsonrpc.NewRequest(jsonrpc.NumberID(id), method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return jsonrpc.Encode(env)
}

func TestEndpointEventFirst(t *testing.T) {
	srv, gw, _ := newServer(t)
	s := openStream(t, srv, "")

	ev := s.next()
	if want, got := "endpoint", ev.name; want != got {
		t.Fatalf("expected %q event, got %q", want, got)
	}
	if !strings.HasPrefix(ev.data, "/messages?connectionId=") {
		t.Fatalf("unexpected endpoint %q", ev.data)
	}
	if want, got := 1, gw.Connections(); want != got {
		t.Fatalf("expected %d connection, got %d", want, got)
	}
}

func TestPostStatuses(t *testing.T) {
	srv, _, _ := newServer(t, WithMaxBodyBytes(256))
	s := openStream(t, srv, "")
	endpoint := s.next().data

	tests := []struct {
		name   string
		path   string
		ctype  string
		body   []byte
		status int
	}{
		{name: "accepted", path: endpoint, ctype: "application/json", body: mustRequest(t, 1, "ping", nil), status: http.StatusNoContent},
		{name: "unknown method still accepted", path: endpoint, ctype: "application/json", body: mustRequest(t, 2, "nope", nil), status: http.StatusNoContent},
		{name: "not an object", path: endpoint, ctype: "application/json", body: []byte(`"hi"`), status: http.StatusBadRequest},
		{name: "invalid envelope", path: endpoint, ctype: "application/json", body: []byte(`{"jsonrpc":"2.0","id":3}`), status: http.StatusOK},
		{name: "wrong content type", path: endpoint, ctype: "text/plain", body: mustRequest(t, 4, "ping", nil), status: http.StatusUnsupportedMediaType},
		{name: "too large", path: endpoint, ctype: "application/json", body: bytes.Repeat([]byte(" "), 512), status: http.StatusRequestEntityTooLarge},
		{name: "unknown connection", path: "/messages?connectionId=missing", ctype: "application/json", body: mustRequest(t, 5, "ping", nil), status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, body := post(t, srv, tc.path, "", tc.ctype, tc.body)
			if want, got := tc.status, res.StatusCode; want != got {
				t.Fatalf("expected status %d, got %d (%s)", want, got, body)
			}
			if tc.status == http.StatusOK {
				env, err := jsonrpc.Decode(body)
				if err != nil {
					t.Fatalf("decode reply: %v", err)
				}
				if want, got := jsonrpc.ErrorCodeInvalidRequest, env.Error.Code; want != got {
					t.Fatalf("expected code %d, got %d", want, got)
				}
				if !env.ID.Equal(jsonrpc.NumberID(3)) {
					t.Fatalf("expected id 3, got %s", env.ID)
				}
			}
		})
	}

	// The ping result and the unknown method's error both travel over the
	// stream, in either order.
	byID := map[string]jsonrpc.Envelope{}
	for range 2 {
		env := s.envelope()
		byID[env.ID.String()] = env
	}
	if want, got := jsonrpc.KindResponse, byID[jsonrpc.NumberID(1).String()].Kind; want != got {
		t.Fatalf("expected %s for id 1, got %s", want, got)
	}
	if unknown := byID[jsonrpc.NumberID(2).String()]; unknown.Error == nil || unknown.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found for id 2, got %s", jsonrpc.Encode(unknown))
	}
}

func TestDirectMode(t *testing.T) {
	srv, _, _ := newServer(t)

	res, body := post(t, srv, "/messages", "", "application/json", mustRequest(t, 9, "ping", nil))
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
	env, err := jsonrpc.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.ID.Equal(jsonrpc.NumberID(9)) {
		t.Fatalf("expected id 9, got %s", env.ID)
	}

	n, _ := jsonrpc.NewNotification("notifications/initialized", nil)
	res, _ = post(t, srv, "/messages", "", "application/json", jsonrpc.Encode(n))
	if want, got := http.StatusNoContent, res.StatusCode; want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestNotAcceptable(t *testing.T) {
	srv, _, _ := newServer(t)
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/sse", nil)
	req.Header.Set("Accept", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if want, got := http.StatusNotAcceptable, res.StatusCode; want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestAuthOwnership(t *testing.T) {
	srv, _, _ := newServer(t, WithAuthenticator(authtest.Tokens{"tok-a": "alice", "tok-b": "bob"}))

	res, _ := post(t, srv, "/messages", "", "application/json", mustRequest(t, 1, "ping", nil))
	if want, got := http.StatusUnauthorized, res.StatusCode; want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
	if !strings.HasPrefix(res.Header.Get("WWW-Authenticate"), "Bearer") {
		t.Fatalf("expected a Bearer challenge, got %q", res.Header.Get("WWW-Authenticate"))
	}

	s := openStream(t, srv, "tok-a")
	endpoint := s.next().data

	res, _ = post(t, srv, endpoint, "tok-b", "application/json", mustRequest(t, 1, "ping", nil))
	if want, got := http.StatusNotFound, res.StatusCode; want != got {
		t.Fatalf("expected %d for a foreign connection, got %d", want, got)
	}
	res, _ = post(t, srv, endpoint, "tok-a", "application/json", mustRequest(t, 1, "ping", nil))
	if want, got := http.StatusNoContent, res.StatusCode; want != got {
		t.Fatalf("expected %d for the owner, got %d", want, got)
	}
	s.envelope()
}

func TestProtectedResourceMetadata(t *testing.T) {
	srv, _, _ := newServer(t,
		WithAuthenticator(authtest.Tokens{"tok-a": "alice"}),
		WithRealm("publisher"),
		WithProtectedResource("https://gw.example/mcp", []string{"https://issuer.example"}, []string{"models:read"}),
		WithBasePath("/mcp"),
	)

	res, _ := post(t, srv, "/mcp/messages", "", "application/json", mustRequest(t, 1, "ping", nil))
	want := `Bearer realm="publisher", resource_metadata="https://gw.example/.well-known/oauth-protected-resource/mcp"`
	if got := res.Header.Get("WWW-Authenticate"); want != got {
		t.Fatalf("expected challenge %q, got %q", want, got)
	}

	res, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	defer res.Body.Close()
	var md struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.NewDecoder(res.Body).Decode(&md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if want, got := "https://gw.example/mcp", md.Resource; want != got {
		t.Fatalf("expected resource %q, got %q", want, got)
	}
	if diff := cmp.Diff([]string{"https://issuer.example"}, md.AuthorizationServers); diff != "" {
		t.Fatalf("unexpected authorization servers (-want +got):\n%s", diff)
	}
}

func TestServerCloseEndsStream(t *testing.T) {
	srv, gw, release := newServer(t)
	defer close(release)
	s := openStream(t, srv, "")
	endpoint := s.next().data
	id := strings.TrimPrefix(endpoint, "/messages?connectionId=")

	res, _ := post(t, srv, endpoint, "", "application/json", mustRequest(t, 1, "test/slow", nil))
	if want, got := http.StatusNoContent, res.StatusCode; want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
	if !gw.Close(id) {
		t.Fatalf("expected connection %s to be open", id)
	}
	select {
	case _, ok := <-s.events:
		if ok {
			t.Fatalf("expected the stream to end without further events")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end")
	}
}

func TestKeepAliveDoesNotSplitFrames(t *testing.T) {
	srv, gw, _ := newServer(t, WithKeepAlive(time.Millisecond))
	s := openStream(t, srv, "")
	s.next()

	for i := range 20 {
		if err := gw.Broadcast(t.Context(), "notifications/message", map[string]int{"n": i}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	for range 20 {
		var n map[string]int
		env := s.envelope()
		if err := json.Unmarshal(env.Params, &n); err != nil {
			t.Fatalf("decode params: %v", err)
		}
	}
}
