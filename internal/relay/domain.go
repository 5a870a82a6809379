// Package relay holds the core signaling-relay types shared across the
// registry, pairing, connection and gateway packages.
package relay

import (
	"encoding/json"
	"errors"
	"time"
)

// PeerCode is an opaque identifier minted by the relay at connect time.
// Clients must not infer structure from it.
type PeerCode string

// SignalKind discriminates the payload carried in a signaling message.
type SignalKind string

const (
	KindOffer     SignalKind = "offer"
	KindAnswer    SignalKind = "answer"
	KindCandidate SignalKind = "candidate"
	KindBye       SignalKind = "bye"
	KindBusy      SignalKind = "busy"
)

// Size limits from the wire contract (spec.md §3).
const (
	MaxMessageBytes  = 256 * 1024
	MaxSDPBytes      = 200_000
	MaxCandidateBytes = 50_000
)

var (
	ErrPeerExists   = errors.New("relay: peer code already registered")
	ErrPeerNotFound = errors.New("relay: peer not found")
)

// Payload is the opaque application-layer signaling body. The relay only
// ever inspects Type and measures serialized size; every other field
// (session description, ICE candidate, sdpMid, sdpMLineIndex,
// usernameFragment, ...) is forwarded byte-for-byte, never decoded into a
// narrower shape.
type Payload struct {
	Type SignalKind      `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// MarshalJSON forwards the original bytes verbatim when present. A
// server-synthesized payload (busy) carries no Raw and falls back to
// encoding just its Type.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Raw != nil {
		return p.Raw, nil
	}
	return json.Marshal(struct {
		Type SignalKind `json:"type"`
	}{p.Type})
}

// UnmarshalJSON records the verbatim bytes and extracts only the type
// discriminator; no other field is interpreted.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type SignalKind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	p.Type = probe.Type
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// InboundEnvelope is the wire shape of a client-submitted frame. Payload is
// kept undecoded until validation has measured its serialized size, per
// spec.md's "pass through as opaque blobs" design note.
type InboundEnvelope struct {
	To      PeerCode        `json:"to"`
	Type    string          `json:"type,omitempty"` // "list" or omitted
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RelayedEnvelope is the wire shape of a server-forwarded signal.
type RelayedEnvelope struct {
	From    PeerCode `json:"from"`
	Type    string   `json:"type"`
	Payload Payload  `json:"payload"`
}

// WelcomeMessage is sent once, immediately after upgrade.
type WelcomeMessage struct {
	Type string   `json:"type"`
	ID   PeerCode `json:"id"`
}

// PeersMessage replies to a "list" request. Peer enumeration is disallowed
// by design, so Peers is always empty.
type PeersMessage struct {
	Type  string     `json:"type"`
	Peers []PeerCode `json:"peers"`
}

// CrossInstanceMessage is transported over the bus to a peer hosted on
// another instance.
type CrossInstanceMessage struct {
	To             PeerCode `json:"to"`
	From           PeerCode `json:"from"`
	Payload        Payload  `json:"payload"`
	Type           string   `json:"type"`
	OriginInstance string   `json:"origin_instance"`
}

// CloseReason names why the relay closed a connection; it is logged and,
// for the normative reasons, becomes the WebSocket close reason text.
type CloseReason string

const (
	CloseIdle       CloseReason = "idle"
	CloseRate       CloseReason = "rate"
	CloseShutdown   CloseReason = "going-away"
	CloseHeartbeat  CloseReason = "heartbeat"
	CloseLocal      CloseReason = "local"
)

// IdleWindow is how long a connection may go without a valid signaling
// message before the relay closes it.
const IdleWindow = 60 * time.Second

// HeartbeatInterval is how often the gateway pings live connections.
const HeartbeatInterval = 30 * time.Second
