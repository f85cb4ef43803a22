package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithConnectionData(context.Background(), &ConnectionData{ConnectionID: "c1", Transport: "sse"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	log.InfoContext(ctx, "rpc.inbound.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}

	conn, ok := rec["conn"].(map[string]any)
	if !ok {
		t.Fatalf("expected conn group, got %v", rec)
	}
	if want, got := "c1", conn["id"]; want != got {
		t.Fatalf("expected conn id %q, got %v", want, got)
	}
	rpc, ok := rec["rpc"].(map[string]any)
	if !ok {
		t.Fatalf("expected rpc group, got %v", rec)
	}
	if want, got := "tools/call", rpc["method"]; want != got {
		t.Fatalf("expected rpc method %q, got %v", want, got)
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("expected attrs from With to survive, got %v", got)
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("did not expect req group without request data")
	}
}

func TestNewDoesNotDoubleWrap(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(New(slog.NewJSONHandler(&buf, nil))))

	ctx := WithConnectionData(context.Background(), &ConnectionData{ConnectionID: "c1"})
	log.InfoContext(ctx, "sse.open")

	if n := bytes.Count(buf.Bytes(), []byte(`"conn"`)); n != 1 {
		t.Fatalf("expected one conn group, got %d in %s", n, buf.String())
	}
}

func TestHandlerAddsResourceGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithResourceData(context.Background(), &ResourceData{URI: "malloy://project/home", Template: "malloy://project/{projectName}"})
	log.InfoContext(ctx, "resource.read")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	res, ok := rec["resource"].(map[string]any)
	if !ok {
		t.Fatalf("expected resource group, got %v", rec)
	}
	if want, got := "malloy://project/{projectName}", res["template"]; want != got {
		t.Fatalf("expected template %q, got %v", want, got)
	}
}
