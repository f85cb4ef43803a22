package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
)

type sendRecorder struct {
	connID string
	envs   []jsonrpc.Envelope
}

func (s *sendRecorder) Send(_ context.Context, connID string, env jsonrpc.Envelope) error {
	s.connID = connID
	s.envs = append(s.envs, env)
	return nil
}

func TestStreamRoutesToConnection(t *testing.T) {
	rec := &sendRecorder{}
	s := Stream(rec, "conn-1")

	if want, got := "conn-1", s.ConnectionID(); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if err := s.Notify(t.Context(), "notifications/progress", map[string]any{"progress": 1}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	env, _ := jsonrpc.NewResult(jsonrpc.NumberID(1), map[string]any{})
	if err := s.Respond(t.Context(), env); err != nil {
		t.Fatalf("respond: %v", err)
	}

	if want, got := "conn-1", rec.connID; want != got {
		t.Fatalf("expected sends to %q, got %q", want, got)
	}
	if want, got := 2, len(rec.envs); want != got {
		t.Fatalf("expected %d envelopes, got %d", want, got)
	}
	if want, got := jsonrpc.KindNotification, rec.envs[0].Kind; want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestDirectAcceptsOneResponse(t *testing.T) {
	d := NewDirect()
	if err := d.Notify(t.Context(), "x", nil); !errors.Is(err, ErrNotificationsUnsupported) {
		t.Fatalf("expected ErrNotificationsUnsupported, got %v", err)
	}

	env, _ := jsonrpc.NewResult(jsonrpc.StringID("a"), "ok")
	if err := d.Respond(t.Context(), env); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := d.Respond(t.Context(), env); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}

	got, err := d.Wait(t.Context())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !got.ID.Equal(jsonrpc.StringID("a")) {
		t.Fatalf("expected id a, got %s", got.ID)
	}
}

func TestDirectWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if _, err := NewDirect().Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
