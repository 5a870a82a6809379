package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rillnet/internal/relay/metrics"
	"rillnet/internal/relay/pairing"
	"rillnet/internal/relay/registry"
	"rillnet/pkg/config"
	"rillnet/pkg/logger"
)

// metrics.New registers against the default Prometheus registry, which
// would panic on a second registration; every test in this file shares
// one Collector instance.
var testMetrics = metrics.New()

func newTestGateway(cfg *config.Config) *Gateway {
	return New(cfg, registry.New(), pairing.New(), testMetrics, logger.NewContextLogger(logger.New("error")), nil)
}

func TestValidOriginAllowlistExactMatch(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signaling.AllowedOrigins = []string{"https://example.com"}
	g := newTestGateway(cfg)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://example.com")
	if !g.validOrigin(req) {
		t.Fatal("expected exact allowlist match to be allowed")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	if g.validOrigin(req2) {
		t.Fatal("expected non-allowlisted origin to be rejected")
	}
}

func TestValidOriginHostMatchWithoutAllowlist(t *testing.T) {
	cfg := config.DefaultConfig()
	g := newTestGateway(cfg)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Host = "relay.example.com"
	req.Header.Set("Origin", "https://relay.example.com")
	if !g.validOrigin(req) {
		t.Fatal("expected origin host matching request host to be allowed")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.Host = "relay.example.com"
	req2.Header.Set("Origin", "https://other.example.com")
	if g.validOrigin(req2) {
		t.Fatal("expected origin host mismatch to be rejected")
	}
}

func TestIPQuotaEnforced(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.IPLimit.MaxConnectionsPerIP = 2
	g := newTestGateway(cfg)

	if !g.reserveIPSlot("1.2.3.4") {
		t.Fatal("expected first slot to be reserved")
	}
	if !g.reserveIPSlot("1.2.3.4") {
		t.Fatal("expected second slot to be reserved")
	}
	if g.reserveIPSlot("1.2.3.4") {
		t.Fatal("expected third slot to be rejected at the quota")
	}

	g.releaseIPSlot("1.2.3.4")
	if !g.reserveIPSlot("1.2.3.4") {
		t.Fatal("expected a slot to free up after release")
	}
}

func TestPathMismatchReturns404(t *testing.T) {
	cfg := config.DefaultConfig()
	g := newTestGateway(cfg)

	req := httptest.NewRequest(http.MethodGet, "/not-the-ws-path", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong path, got %d", rec.Code)
	}
}
