package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/publisher-gateway/gateway"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/router"
)

// wireMessage is the subset of an outbound envelope the tests inspect.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc.Error  `json:"error"`
}

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	gw     *gateway.Gateway
	stdinW *io.PipeWriter
	outMu  sync.Mutex
	lines  []string
	served chan error
}

type echoArgs struct {
	Text string `json:"text"`
}

func newHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	r := router.New()
	err := r.HandleTool(router.NewTool("echo", func(ctx context.Context, call *router.Call, args echoArgs) (*mcp.CallToolResult, error) {
		return router.TextResult(args.Text), nil
	}))
	if err != nil {
		t.Fatalf("register tool: %v", err)
	}
	gw := gateway.New(r)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	th := &testHarness{t: t, gw: gw, stdinW: inW, served: make(chan error, 1)}
	h := NewHandler(gw, append([]Option{WithIO(inR, outW), WithUser(FixedUser("alice"))}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		th.served <- h.Serve(ctx)
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = gw.Shutdown(context.Background())
		_ = outW.Close()
	})
	return th
}

func (th *testHarness) send(line string) {
	th.t.Helper()
	if _, err := io.WriteString(th.stdinW, line+"\n"); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expect(t *testing.T) wireMessage {
	t.Helper()
	line, err := th.nextLine(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var msg wireMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return msg
}

func TestRequestResponse(t *testing.T) {
	th := newHarness(t)

	th.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)
	msg := th.expect(t)
	if want, got := "1", string(msg.ID); want != got {
		t.Fatalf("expected id %s, got %s", want, got)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if want, got := "hi", res.Content[0].Text; want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRejectedLinesAnsweredInPlace(t *testing.T) {
	th := newHarness(t)

	tests := []struct {
		name string
		line string
		id   string
		code jsonrpc.ErrorCode
	}{
		{"not json", `hello`, "null", jsonrpc.ErrorCodeParseError},
		{"not an object", `[1,2]`, "null", jsonrpc.ErrorCodeParseError},
		{"missing method", `{"jsonrpc":"2.0","id":7}`, "7", jsonrpc.ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th.send(tt.line)
			msg := th.expect(t)
			if msg.Error == nil {
				t.Fatalf("expected error envelope, got %+v", msg)
			}
			if want, got := tt.code, msg.Error.Code; want != got {
				t.Fatalf("expected code %d, got %d", want, got)
			}
			if want, got := tt.id, string(msg.ID); want != got {
				t.Fatalf("expected id %s, got %s", want, got)
			}
		})
	}
}

func TestRoutingErrorsCorrelated(t *testing.T) {
	th := newHarness(t)

	th.send(`{"jsonrpc":"2.0","id":"a","method":"resources/delete"}`)
	msg := th.expect(t)
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", msg)
	}
	if want, got := `"a"`, string(msg.ID); want != got {
		t.Fatalf("expected id %s, got %s", want, got)
	}
}

func TestNotificationsProduceNoOutput(t *testing.T) {
	th := newHarness(t)

	th.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	th.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	msg := th.expect(t)
	if want, got := "2", string(msg.ID); want != got {
		t.Fatalf("expected the ping response first, got id %s", got)
	}
}

func TestBroadcastReachesStdout(t *testing.T) {
	th := newHarness(t)

	// A round trip guarantees the connection is registered.
	th.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	th.expect(t)

	if err := th.gw.ResourcesChanged(context.Background()); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	msg := th.expect(t)
	if want, got := string(mcp.ResourcesListChangedNotificationMethod), msg.Method; want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEOFEndsServe(t *testing.T) {
	th := newHarness(t)

	th.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	th.expect(t)
	_ = th.stdinW.Close()

	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after end of input")
	}
	if want, got := 0, th.gw.Connections(); want != got {
		t.Fatalf("expected %d open connections, got %d", want, got)
	}
}

func TestOversizedLineFails(t *testing.T) {
	th := newHarness(t, WithMaxLineBytes(64))

	line := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 128) + `"}}` + "\n"
	// The reader stops mid-line, so the write only returns once stdin closes.
	go func() { _, _ = io.WriteString(th.stdinW, line) }()
	select {
	case err := <-th.served:
		if err == nil || !strings.Contains(err.Error(), "read") {
			t.Fatalf("expected read error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not fail on an oversized line")
	}
}

func TestUserError(t *testing.T) {
	gw := gateway.New(router.New())
	noUser := func() (string, error) { return "", errors.New("no user") }
	h := NewHandler(gw, WithIO(strings.NewReader(""), io.Discard), WithUser(noUser))
	if err := h.Serve(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
