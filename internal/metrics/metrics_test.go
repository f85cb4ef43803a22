package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Inbound("request")
	m.Outcome("ping", "ok", time.Millisecond)
	m.Orphaned()
}

func TestRecorders(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Orphaned()
	m.Inbound("invalid")

	if want, got := 1.0, testutil.ToFloat64(m.connections); want != got {
		t.Fatalf("expected %v open connections, got %v", want, got)
	}
	if want, got := 1.0, testutil.ToFloat64(m.orphaned); want != got {
		t.Fatalf("expected %v orphaned, got %v", want, got)
	}
	if want, got := 1.0, testutil.ToFloat64(m.inbound.WithLabelValues("invalid")); want != got {
		t.Fatalf("expected %v rejected, got %v", want, got)
	}
}

func TestRouterServesExposition(t *testing.T) {
	m := New()
	m.Outcome("tools/call", "domain", 20*time.Millisecond)

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `publisher_gateway_request_outcomes_total{method="tools/call",tier="domain"} 1`) {
		t.Fatalf("expected outcome counter in exposition, got:\n%s", body)
	}
}
