// Package gateway implements the Relay Gateway (spec.md §4.5): accepts
// upgrade requests, enforces path/origin/IP limits, mints peer codes,
// installs Connection Supervisors, and runs the heartbeat scheduler.
package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"rillnet/internal/relay"
	"rillnet/internal/relay/connection"
	"rillnet/internal/relay/metrics"
	"rillnet/internal/relay/pairing"
	"rillnet/internal/relay/registry"
	"rillnet/pkg/config"
	"rillnet/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Gateway is the HTTP handler installed at cfg.Signaling.Path.
type Gateway struct {
	cfg      *config.Config
	registry *registry.Registry
	pairing  *pairing.Table
	metrics  *metrics.Collector
	log      *logger.ContextLogger
	bus      connection.Bus

	ipMu    sync.Mutex
	ipCount map[string]int

	liveMu sync.Mutex
	live   map[relay.PeerCode]*connection.Supervisor
}

// New constructs a Gateway. bus may be nil when cross-instance fan-out is
// disabled.
func New(cfg *config.Config, reg *registry.Registry, pairs *pairing.Table, m *metrics.Collector, log *logger.ContextLogger, bus connection.Bus) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: reg,
		pairing:  pairs,
		metrics:  m,
		log:      log,
		bus:      bus,
		ipCount:  make(map[string]int),
		live:     make(map[relay.PeerCode]*connection.Supervisor),
	}
}

// ServeHTTP implements the upgrade path: §4.5 steps 1-5.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != g.cfg.Signaling.Path {
		http.NotFound(w, r)
		return
	}

	if !g.validOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ip := clientIP(r)
	if !g.reserveIPSlot(ip) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.releaseIPSlot(ip)
		return
	}

	// Read deadline covering the welcome write and registration only:
	// Supervisor.Run's read loop replaces it with relay.IdleWindow before
	// its first read, so a client that never sends a frame is closed by the
	// idle window, not by this 10-second deadline.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	code := relay.PeerCode(uuid.New().String())

	sup := connection.New(conn, code, ip, connection.Deps{
		Registry: g.registry,
		Pairing:  g.pairing,
		Metrics:  g.metrics,
		Log:      g.log,
		Bus:      g.bus,
	}, g.cfg.RateLimiting.WebSocket.Burst, g.cfg.RateLimiting.WebSocket.MessagesPerSecond, g.onConnectionClosed)

	g.liveMu.Lock()
	g.live[code] = sup
	g.liveMu.Unlock()

	g.metrics.ClientConnected()
	sup.Run()
}

func (g *Gateway) onConnectionClosed(code relay.PeerCode, ip string) {
	g.liveMu.Lock()
	delete(g.live, code)
	g.liveMu.Unlock()
	g.releaseIPSlot(ip)
}

func (g *Gateway) reserveIPSlot(ip string) bool {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if g.ipCount[ip] >= g.cfg.IPLimit.MaxConnectionsPerIP {
		return false
	}
	g.ipCount[ip]++
	return true
}

func (g *Gateway) releaseIPSlot(ip string) {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if g.ipCount[ip] <= 1 {
		delete(g.ipCount, ip)
		return
	}
	g.ipCount[ip]--
}

// validOrigin enforces spec.md §4.5 step 2: exact allowlist match when
// configured, else the Origin host must equal the request Host.
func (g *Gateway) validOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return !g.cfg.Server.Production && len(g.cfg.Signaling.AllowedOrigins) == 0
	}

	if len(g.cfg.Signaling.AllowedOrigins) > 0 {
		for _, allowed := range g.cfg.Signaling.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// clientIP extracts the source IP, preferring X-Forwarded-For when
// present (mirrors the rate-limit middleware's lookup).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		return host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// RunHeartbeat sweeps live connections every 30s, pinging each and
// terminating those that missed two consecutive acknowledgements
// (spec.md §4.5, §4.4). It runs until stop is closed.
func (g *Gateway) RunHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(relay.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.liveMu.Lock()
			sups := make([]*connection.Supervisor, 0, len(g.live))
			for _, s := range g.live {
				sups = append(sups, s)
			}
			g.liveMu.Unlock()

			for _, s := range sups {
				s.BeginHeartbeatSweep()
			}
		case <-stop:
			return
		}
	}
}

// Shutdown closes every live connection with the going-away reason
// (spec.md §4.9).
func (g *Gateway) Shutdown() {
	g.liveMu.Lock()
	sups := make([]*connection.Supervisor, 0, len(g.live))
	for _, s := range g.live {
		sups = append(sups, s)
	}
	g.liveMu.Unlock()

	for _, s := range sups {
		s.Close(relay.CloseShutdown)
	}
}
