package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateID generates a random, prefixed identifier.
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateRequestID generates a "req_"-prefixed correlation id. Nothing in
// the relay attaches it to requests or loggers.
func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateTraceID generates a 32-hex-character random correlation id.
// Nothing in the relay threads it through signaling exchanges.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
