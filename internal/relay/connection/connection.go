// Package connection implements the Connection Supervisor (spec.md §4.4):
// the per-connection object owning the read loop, token bucket, idle
// timer, heartbeat interaction and teardown.
package connection

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"rillnet/internal/relay"
	"rillnet/internal/relay/metrics"
	"rillnet/internal/relay/pairing"
	"rillnet/internal/relay/registry"
	"rillnet/pkg/logger"
	"rillnet/pkg/validation"

	"github.com/gorilla/websocket"
)

// outboundQueueSize bounds the per-connection send queue; beyond this,
// forwarding drops-newest-and-counts rather than blocking the sender
// (spec.md §5, §9).
const outboundQueueSize = 32

// Bus is the subset of the Cross-Instance Bus the supervisor needs.
// Defined locally (mirrors registry.Handle) so this package does not
// import internal/relay/bus directly.
type Bus interface {
	Publish(msg relay.CrossInstanceMessage) error
	Announce(code relay.PeerCode) error
	Forget(code relay.PeerCode) error
}

// Deps bundles the shared services a Supervisor is wired against.
type Deps struct {
	Registry *registry.Registry
	Pairing  *pairing.Table
	Metrics  *metrics.Collector
	Log      *logger.ContextLogger
	Bus      Bus // nil when cross-instance fan-out is disabled
}

// Supervisor owns one upgraded WebSocket connection end to end: welcome,
// registration, read loop, heartbeat bookkeeping and teardown.
type Supervisor struct {
	code relay.PeerCode
	conn *websocket.Conn
	ip   string
	deps Deps

	bucket *relay.TokenBucket

	send         chan []byte
	closeOnce    sync.Once
	teardownOnce sync.Once
	closed       chan struct{}

	idleMu      sync.Mutex
	idleTimer   *time.Timer
	idleStopped bool

	alive        atomic.Bool
	missedPongs  int32
	connectedAt  time.Time

	onClose func(code relay.PeerCode, ip string)
}

// New constructs a Supervisor for an already-upgraded connection. code is
// the peer code minted by the caller (Relay Gateway). onClose is invoked
// exactly once at teardown, letting the gateway decrement its per-IP
// counter.
func New(conn *websocket.Conn, code relay.PeerCode, ip string, deps Deps, bucketCap int, bucketRate float64, onClose func(code relay.PeerCode, ip string)) *Supervisor {
	s := &Supervisor{
		code:        code,
		conn:        conn,
		ip:          ip,
		deps:        deps,
		bucket:      relay.NewTokenBucket(bucketCap, bucketRate),
		send:        make(chan []byte, outboundQueueSize),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
		onClose:     onClose,
	}
	s.alive.Store(true)
	return s
}

// Code implements registry.Handle.
func (s *Supervisor) Code() relay.PeerCode { return s.code }

// Deliver implements registry.Handle: encode and enqueue a relayed
// envelope for this connection's write pump. Never blocks the caller.
func (s *Supervisor) Deliver(env relay.RelayedEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Supervisor) enqueue(data []byte) error {
	select {
	case s.send <- data:
		return nil
	default:
		// Saturated outbound queue: drop-newest-and-count rather than
		// block the forwarding task (spec.md §5, §9).
		s.deps.Metrics.Error()
		return nil
	}
}

// Run drives the connection until it closes: sends the welcome message,
// registers in the Peer Registry, arms the idle timer, starts the write
// pump, and blocks on the read loop. Returns once the connection has been
// fully torn down.
func (s *Supervisor) Run() {
	welcome, _ := json.Marshal(relay.WelcomeMessage{Type: "welcome", ID: s.code})
	if err := s.writeNow(welcome); err != nil {
		s.teardown(relay.CloseLocal)
		return
	}

	if err := s.deps.Registry.Insert(s.code, s); err != nil {
		s.teardown(relay.CloseLocal)
		return
	}
	if s.deps.Bus != nil {
		if err := s.deps.Bus.Announce(s.code); err != nil {
			s.deps.Log.LogSignal("bus_announce_failed", string(s.code), "", "", err.Error())
		}
	}

	s.armIdleTimer()

	go s.writePump()
	s.readLoop() // blocks until the connection closes
}

func (s *Supervisor) armIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleStopped {
		return
	}
	s.idleTimer = time.AfterFunc(relay.IdleWindow, func() {
		s.Close(relay.CloseIdle)
	})
}

// cancelIdleTimer stops the idle timer permanently, the first time a
// valid signaling message arrives; it is never rearmed (spec.md §9 open
// question, resolved: one-shot).
func (s *Supervisor) cancelIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleStopped {
		return
	}
	s.idleStopped = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

func (s *Supervisor) writePump() {
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.writeNow(data); err != nil {
				s.teardown(relay.CloseLocal)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Supervisor) writeNow(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Supervisor) readLoop() {
	s.conn.SetReadLimit(relay.MaxMessageBytes + 1)
	s.conn.SetReadDeadline(time.Now().Add(relay.IdleWindow))
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		atomic.StoreInt32(&s.missedPongs, 0)
		s.conn.SetReadDeadline(time.Now().Add(relay.IdleWindow))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleFrame(raw)
	}

	s.teardown(relay.CloseLocal)
}

func (s *Supervisor) handleFrame(raw []byte) {
	if err := validation.ValidateMessageSize(raw); err != nil {
		s.deps.Metrics.Error()
		return
	}

	if !s.bucket.Allow() {
		s.Close(relay.CloseRate)
		return
	}

	var env relay.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.deps.Metrics.Error()
		return
	}

	if env.Type == "list" {
		data, _ := json.Marshal(relay.PeersMessage{Type: "peers", Peers: []relay.PeerCode{}})
		s.enqueue(data)
		return
	}

	if err := validation.ValidatePeerCode(env.To); err != nil {
		s.deps.Metrics.Error()
		return
	}

	payload, err := validation.ValidatePayload(env.Payload)
	if err != nil {
		s.deps.Metrics.Error()
		return
	}

	// bye is unconditionally accepted even from clients in any state;
	// busy must never be accepted inbound (spec.md §4.3).
	if payload.Type == relay.KindBusy {
		s.deps.Metrics.Error()
		return
	}

	s.cancelIdleTimer()

	var outcome pairing.Outcome
	switch payload.Type {
	case relay.KindOffer:
		outcome = s.deps.Pairing.HandleOffer(s.code, env.To)
	case relay.KindAnswer:
		outcome = s.deps.Pairing.HandleAnswer(s.code, env.To)
	case relay.KindCandidate:
		outcome = s.deps.Pairing.HandleCandidate(s.code, env.To)
	case relay.KindBye:
		outcome = s.deps.Pairing.HandleBye(s.code, env.To)
	}

	if outcome.SynthBusy {
		busy := relay.RelayedEnvelope{From: outcome.TargetCode, Type: "signal", Payload: relay.Payload{Type: relay.KindBusy}}
		data, _ := json.Marshal(busy)
		s.enqueue(data)
		s.deps.Log.LogSignal("signal", string(s.code), string(env.To), string(payload.Type), "busy")
		return
	}

	if !outcome.Forward {
		s.deps.Log.LogSignal("signal", string(s.code), string(env.To), string(payload.Type), "dropped")
		return
	}

	s.forward(outcome.TargetCode, payload)

	// A forwarded answer completes a pair; a forwarded bye means HandleBye
	// actually dissolved one. Either way ws_pairs must reflect it now, not
	// wait for some connection to eventually tear down (spec.md §4.8).
	if payload.Type == relay.KindAnswer || payload.Type == relay.KindBye {
		s.deps.Metrics.SetPairs(s.deps.Pairing.PairCount())
	}
}

func (s *Supervisor) forward(to relay.PeerCode, payload relay.Payload) {
	env := relay.RelayedEnvelope{From: s.code, Type: "signal", Payload: payload}

	if handle := s.deps.Registry.Lookup(to); handle != nil {
		if err := handle.Deliver(env); err != nil {
			s.deps.Metrics.Error()
			s.deps.Log.LogSignal("signal", string(s.code), string(to), string(payload.Type), "write_failed")
			return
		}
		s.deps.Metrics.SignalForwarded(string(payload.Type))
		s.deps.Log.LogSignal("signal", string(s.code), string(to), string(payload.Type), "forwarded_local")
		return
	}

	if s.deps.Bus != nil {
		msg := relay.CrossInstanceMessage{To: to, From: s.code, Payload: payload, Type: "signal"}
		if err := s.deps.Bus.Publish(msg); err != nil {
			s.deps.Metrics.Error()
			s.deps.Log.LogSignal("signal", string(s.code), string(to), string(payload.Type), "publish_failed")
			return
		}
		s.deps.Metrics.SignalForwarded(string(payload.Type))
		s.deps.Log.LogSignal("signal", string(s.code), string(to), string(payload.Type), "forwarded_remote")
		return
	}

	// Local miss, no bus: destination unknown, drop silently (not an error).
	s.deps.Log.LogSignal("signal", string(s.code), string(to), string(payload.Type), "unknown_destination")
}

// BeginHeartbeatSweep is called by the Relay Gateway's heartbeat scheduler
// every 30s (spec.md §4.5). It marks the connection not-alive, counts a
// miss if the previous sweep never saw a pong, and pings again. Two
// consecutive misses terminate the connection (spec.md §4.4).
func (s *Supervisor) BeginHeartbeatSweep() {
	wasAlive := s.alive.Swap(false)
	if wasAlive {
		atomic.StoreInt32(&s.missedPongs, 0)
	} else {
		if atomic.AddInt32(&s.missedPongs, 1) >= 2 {
			s.Close(relay.CloseHeartbeat)
			return
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.Close(relay.CloseHeartbeat)
	}
}

// Close sends a close frame with the given reason and tears down the
// connection. Idempotent: only the first call sends the frame.
func (s *Supervisor) Close(reason relay.CloseReason) {
	s.closeOnce.Do(func() {
		code := websocket.CloseNormalClosure
		switch reason {
		case relay.CloseRate:
			code = websocket.ClosePolicyViolation
		case relay.CloseShutdown:
			code = websocket.CloseGoingAway
		}
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(code, string(reason))
		s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	})
	s.teardown(reason)
}

// teardown removes the connection from every shared structure exactly
// once (spec.md §4.4 step 6), regardless of which path triggered it. It is
// reachable concurrently (heartbeat sweep, read loop, write pump), so the
// guard and the channel close must be atomic with each other.
func (s *Supervisor) teardown(reason relay.CloseReason) {
	s.teardownOnce.Do(func() {
		close(s.closed)
		s.conn.Close()

		s.cancelIdleTimer()
		s.deps.Registry.Remove(s.code)
		s.deps.Pairing.Close(s.code)
		s.deps.Metrics.ClientDisconnected()
		s.deps.Metrics.SetPairs(s.deps.Pairing.PairCount())
		s.deps.Metrics.ObserveConnectionSeconds(time.Since(s.connectedAt).Seconds())

		if s.deps.Bus != nil {
			s.deps.Bus.Forget(s.code)
		}

		if s.onClose != nil {
			s.onClose(s.code, s.ip)
		}

		s.deps.Log.LogSignal("connection_closed", string(s.code), "", "", string(reason))
	})
}
