// Package validation holds the format and size checks the relay applies
// to inbound signaling frames (spec.md §3, §4.4).
package validation

import (
	"encoding/json"
	"fmt"

	"rillnet/internal/relay"
)

// ValidatePeerCode checks that a destination code has plausible shape.
// Codes are opaque to clients; this only guards against obviously
// malformed input, not a specific minting scheme.
func ValidatePeerCode(code relay.PeerCode) error {
	if code == "" {
		return fmt.Errorf("to is required")
	}
	if len(code) > 128 {
		return fmt.Errorf("to is too long")
	}
	return nil
}

// ValidateMessageSize enforces the whole-message cap (spec.md §3: 256 KiB).
func ValidateMessageSize(raw []byte) error {
	if len(raw) > relay.MaxMessageBytes {
		return fmt.Errorf("message exceeds %d bytes", relay.MaxMessageBytes)
	}
	return nil
}

// ValidatePayload decodes only the `type` discriminator and validates the
// per-kind size limit, keeping the payload's other fields as opaque bytes
// on the returned Payload.Raw. It never interprets the sdp/candidate
// fields' internal structure (they may be a string or an object per the
// caller's own convention) — only their serialized byte length is
// measured, per spec.md §9's "pass through as opaque blobs" requirement.
func ValidatePayload(raw json.RawMessage) (relay.Payload, error) {
	var p relay.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return relay.Payload{}, fmt.Errorf("payload must be an object: %w", err)
	}

	var fields struct {
		SDP       json.RawMessage `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return relay.Payload{}, fmt.Errorf("payload must be an object: %w", err)
	}

	switch p.Type {
	case relay.KindOffer, relay.KindAnswer:
		if len(fields.SDP) > relay.MaxSDPBytes {
			return relay.Payload{}, fmt.Errorf("sdp exceeds %d bytes", relay.MaxSDPBytes)
		}
	case relay.KindCandidate:
		if len(fields.Candidate) > relay.MaxCandidateBytes {
			return relay.Payload{}, fmt.Errorf("candidate exceeds %d bytes", relay.MaxCandidateBytes)
		}
	case relay.KindBye:
		// no extra fields to validate
	default:
		return relay.Payload{}, fmt.Errorf("unrecognized payload type %q", p.Type)
	}

	return p, nil
}
