package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/queryengine"
)

func engineServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", WithHTTPClient(srv.Client()), WithBearerToken("secret"))
}

func TestExecute(t *testing.T) {
	var got queryengine.QuerySpec
	c := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if want, got := "Bearer secret", r.Header.Get("Authorization"); want != got {
			t.Errorf("expected auth %q, got %q", want, got)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"rows":[{"n":1}]},"modelDef":{"name":"m"}}`))
	})

	spec := queryengine.QuerySpec{
		Model:     queryengine.ModelRef{Project: "home", Package: "faa", ModelPath: "flights.malloy"},
		QueryName: "by_carrier",
		RowLimit:  10,
	}
	res, err := c.Execute(context.Background(), spec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if diff := cmp.Diff(spec, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if want, got := `{"rows":[{"n":1}]}`, string(res.Result); want != got {
		t.Fatalf("expected result %s, got %s", want, got)
	}
}

func TestCompileProblemsAreComputationErrors(t *testing.T) {
	c := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"problems":[{"severity":"error","message":"'carrier' is not defined","line":3,"column":12}]}`))
	})

	res, err := c.Compile(context.Background(), queryengine.CompileRequest{Source: "run: flights -> { group_by: carrier }"})
	var ce *faults.ComputationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a computation error, got %v", err)
	}
	if want, got := 1, len(ce.Problems); want != got {
		t.Fatalf("expected %d problem, got %d", want, got)
	}
	if res == nil || len(res.Problems) != 1 {
		t.Fatalf("expected the result alongside the error")
	}
}

func TestCompileWarningsPass(t *testing.T) {
	c := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sql":"SELECT 1","problems":[{"severity":"warn","message":"unused"}]}`))
	})
	res, err := c.Compile(context.Background(), queryengine.CompileRequest{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if want, got := "SELECT 1", res.SQL; want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestEngineErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		summary string
	}{
		{name: "structured", body: `{"message":"connection duckdb failed"}`, summary: "connection duckdb failed"},
		{name: "plain text", body: "boom\n", summary: "boom"},
		{name: "empty", body: "", summary: "Internal Server Error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Execute(context.Background(), queryengine.QuerySpec{Query: "run: x"})
			var ce *faults.ComputationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected a computation error, got %v", err)
			}
			if want, got := tc.summary, ce.Summary; want != got {
				t.Fatalf("expected summary %q, got %q", want, got)
			}
		})
	}
}

func TestCancelledContextIsNotADomainError(t *testing.T) {
	block := make(chan struct{})
	c := engineServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Execute(ctx, queryengine.QuerySpec{Query: "run: x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnconfigured(t *testing.T) {
	_, err := Unconfigured{}.Execute(context.Background(), queryengine.QuerySpec{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
