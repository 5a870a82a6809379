package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rillnet/pkg/config"

	"github.com/gin-gonic/gin"
)

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.RateLimiting.HTTP.Window = time.Minute

	r := gin.New()
	r.GET("/limited", rateLimitMiddleware(cfg, 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		return req
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req())
		if rec.Code != http.StatusOK {
			t.Fatalf("expected request %d within burst to succeed, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected request past the burst to be rate limited, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareTracksIPsIndependently(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.RateLimiting.HTTP.Window = time.Minute

	r := gin.New()
	r.GET("/limited", rateLimitMiddleware(cfg, 1), func(c *gin.Context) { c.Status(http.StatusOK) })

	reqA := httptest.NewRequest(http.MethodGet, "/limited", nil)
	reqA.RemoteAddr = "10.0.0.1:1"
	recA := httptest.NewRecorder()
	r.ServeHTTP(recA, reqA)
	if recA.Code != http.StatusOK {
		t.Fatalf("expected first IP's first request to succeed, got %d", recA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/limited", nil)
	reqB.RemoteAddr = "10.0.0.2:1"
	recB := httptest.NewRecorder()
	r.ServeHTTP(recB, reqB)
	if recB.Code != http.StatusOK {
		t.Fatalf("expected a different IP's first request to succeed independently, got %d", recB.Code)
	}
}

func TestHSTSMiddlewareSetsHeaderOnlyWhenEnabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.HSTS.Enabled = false
	r := gin.New()
	r.Use(hstsMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("expected no HSTS header when disabled, got %q", got)
	}

	cfg2 := config.DefaultConfig()
	cfg2.HSTS.Enabled = true
	cfg2.HSTS.MaxAge = 90 * 24 * time.Hour
	r2 := gin.New()
	r2.Use(hstsMiddleware(cfg2))
	r2.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec2 := httptest.NewRecorder()
	r2.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec2.Header().Get("Strict-Transport-Security"); got != "max-age=7776000" {
		t.Fatalf("expected max-age=7776000, got %q", got)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := clientIP(req); got != "203.0.113.5" {
		t.Fatalf("expected first X-Forwarded-For entry, got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote addr host without port, got %q", got)
	}
}
