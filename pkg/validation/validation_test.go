package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"rillnet/internal/relay"
)

func TestValidatePeerCode(t *testing.T) {
	tests := []struct {
		name    string
		code    relay.PeerCode
		wantErr bool
	}{
		{"valid code", relay.PeerCode("abc-123"), false},
		{"empty", relay.PeerCode(""), true},
		{"too long", relay.PeerCode(strings.Repeat("a", 129)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerCode(tt.code)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerCode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize(make([]byte, relay.MaxMessageBytes)); err != nil {
		t.Errorf("expected message exactly at the cap to be accepted, got %v", err)
	}
	if err := ValidateMessageSize(make([]byte, relay.MaxMessageBytes+1)); err == nil {
		t.Error("expected message one byte over the cap to be rejected")
	}
}

// quotedStringOfLen builds a JSON string literal whose total serialized
// length (including the surrounding quotes) is exactly n bytes.
func quotedStringOfLen(n int) string {
	return `"` + strings.Repeat("a", n-2) + `"`
}

func TestValidatePayload(t *testing.T) {
	offer := json.RawMessage(`{"type":"offer","sdp":` + quotedStringOfLen(relay.MaxSDPBytes) + `}`)
	if _, err := ValidatePayload(offer); err != nil {
		t.Errorf("expected SDP exactly at the cap to be accepted, got %v", err)
	}

	oversizedOffer := json.RawMessage(`{"type":"offer","sdp":` + quotedStringOfLen(relay.MaxSDPBytes+1) + `}`)
	if _, err := ValidatePayload(oversizedOffer); err == nil {
		t.Error("expected oversized SDP to be rejected")
	}

	candidate := json.RawMessage(`{"type":"candidate","candidate":` + quotedStringOfLen(relay.MaxCandidateBytes) + `}`)
	if _, err := ValidatePayload(candidate); err != nil {
		t.Errorf("expected candidate exactly at the cap to be accepted, got %v", err)
	}

	oversizedCandidate := json.RawMessage(`{"type":"candidate","candidate":` + quotedStringOfLen(relay.MaxCandidateBytes+1) + `}`)
	if _, err := ValidatePayload(oversizedCandidate); err == nil {
		t.Error("expected oversized candidate to be rejected")
	}

	bye := json.RawMessage(`{"type":"bye"}`)
	if _, err := ValidatePayload(bye); err != nil {
		t.Errorf("expected bye to be accepted without extra checks, got %v", err)
	}

	// An object-shaped sdp (as S1's own example frames use) must be
	// accepted without attempting to decode its internals.
	objectSDP := json.RawMessage(`{"type":"offer","sdp":{"sdpType":"offer","content":"v=0"}}`)
	got, err := ValidatePayload(objectSDP)
	if err != nil {
		t.Errorf("expected an object-shaped sdp to be accepted, got %v", err)
	}
	if string(got.Raw) != string(objectSDP) {
		t.Errorf("expected Raw to carry the payload verbatim, got %s", got.Raw)
	}

	unknown, _ := json.Marshal(map[string]string{"type": "not-a-kind"})
	if _, err := ValidatePayload(unknown); err == nil {
		t.Error("expected unrecognized payload type to be rejected")
	}

	if _, err := ValidatePayload(json.RawMessage("not json")); err == nil {
		t.Error("expected malformed payload to be rejected")
	}
}
