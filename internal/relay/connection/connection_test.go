package connection

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"rillnet/internal/relay"
	"rillnet/internal/relay/metrics"
	"rillnet/internal/relay/pairing"
	"rillnet/internal/relay/registry"
	"rillnet/pkg/logger"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// metrics.New registers against the default Prometheus registry, which
// would panic on a second registration; every harness shares one Collector.
var testMetrics = metrics.New()

// testHarness wires one shared registry/pairing/metrics set behind an
// httptest server that mints a Supervisor per incoming connection, keyed by
// the "code" query parameter the test dial supplies.
type testHarness struct {
	server *httptest.Server
	deps   Deps
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		deps: Deps{
			Registry: registry.New(),
			Pairing:  pairing.New(),
			Metrics:  testMetrics,
			Log:      logger.NewContextLogger(logger.New("error")),
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		code := relay.PeerCode(r.URL.Query().Get("code"))
		bucketCap := 100
		bucketRate := 1000.0
		if raw := r.URL.Query().Get("slow"); raw != "" {
			bucketCap = 1
			bucketRate = 0
		}
		sup := New(conn, code, "127.0.0.1", h.deps, bucketCap, bucketRate, nil)
		sup.Run()
	})
	h.server = httptest.NewServer(mux)
	return h
}

func (h *testHarness) dial(t *testing.T, code string, slow bool) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(h.server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	q := url.Values{"code": {code}}
	if slow {
		q.Set("slow", "1")
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	var welcome relay.WelcomeMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("failed to read welcome: %v", err)
	}
	if welcome.Type != "welcome" || string(welcome.ID) != code {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	return conn
}

func TestOfferAnswerCandidateByeRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()

	a := h.dial(t, "A", false)
	defer a.Close()
	b := h.dial(t, "B", false)
	defer b.Close()

	if err := a.WriteJSON(map[string]any{"to": "B", "payload": map[string]any{"type": "offer", "sdp": "v=0 offer"}}); err != nil {
		t.Fatalf("failed to send offer: %v", err)
	}

	var got relay.RelayedEnvelope
	if err := b.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read forwarded offer: %v", err)
	}
	if got.From != "A" || got.Payload.Type != relay.KindOffer || !strings.Contains(string(got.Payload.Raw), `"sdp":"v=0 offer"`) {
		t.Fatalf("unexpected forwarded offer: %+v", got)
	}

	if err := b.WriteJSON(map[string]any{"to": "A", "payload": map[string]any{"type": "answer", "sdp": "v=0 answer"}}); err != nil {
		t.Fatalf("failed to send answer: %v", err)
	}
	if err := a.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read forwarded answer: %v", err)
	}
	if got.From != "B" || got.Payload.Type != relay.KindAnswer {
		t.Fatalf("unexpected forwarded answer: %+v", got)
	}

	if err := a.WriteJSON(map[string]any{"to": "B", "payload": map[string]any{"type": "candidate", "candidate": "cand1"}}); err != nil {
		t.Fatalf("failed to send candidate: %v", err)
	}
	if err := b.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read forwarded candidate: %v", err)
	}
	if got.Payload.Type != relay.KindCandidate || !strings.Contains(string(got.Payload.Raw), `"candidate":"cand1"`) {
		t.Fatalf("unexpected forwarded candidate: %+v", got)
	}

	if err := a.WriteJSON(map[string]any{"to": "B", "payload": map[string]any{"type": "bye"}}); err != nil {
		t.Fatalf("failed to send bye: %v", err)
	}
	if err := b.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read forwarded bye: %v", err)
	}
	if got.Payload.Type != relay.KindBye {
		t.Fatalf("unexpected forwarded bye: %+v", got)
	}
}

func TestThirdPeerReceivesSynthesizedBusy(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()

	a := h.dial(t, "A", false)
	defer a.Close()
	b := h.dial(t, "B", false)
	defer b.Close()
	c := h.dial(t, "C", false)
	defer c.Close()

	if err := a.WriteJSON(map[string]any{"to": "B", "payload": map[string]any{"type": "offer", "sdp": "v=0"}}); err != nil {
		t.Fatal(err)
	}
	var env relay.RelayedEnvelope
	if err := b.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteJSON(map[string]any{"to": "A", "payload": map[string]any{"type": "answer", "sdp": "v=0"}}); err != nil {
		t.Fatal(err)
	}
	if err := a.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}

	if err := c.WriteJSON(map[string]any{"to": "A", "payload": map[string]any{"type": "offer", "sdp": "v=0"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.ReadJSON(&env); err != nil {
		t.Fatalf("failed to read synthesized busy: %v", err)
	}
	if env.Payload.Type != relay.KindBusy {
		t.Fatalf("expected busy, got %+v", env)
	}
}

func TestRateLimitedClientIsClosed(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()

	a := h.dial(t, "A", true) // bucketCap 1, bucketRate 0: exactly one message allowed
	defer a.Close()
	b := h.dial(t, "B", false)
	defer b.Close()

	msg := map[string]any{"to": "B", "payload": map[string]any{"type": "offer", "sdp": "v=0"}}
	if err := a.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
	var env relay.RelayedEnvelope
	if err := b.ReadJSON(&env); err != nil {
		t.Fatalf("expected the first message to be forwarded: %v", err)
	}

	if err := a.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to be closed after exceeding the token bucket")
	}
	if !strings.Contains(err.Error(), "close") && !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected a close-related error, got: %v", err)
	}
}
