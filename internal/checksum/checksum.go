// Package checksum computes the integrity digest frozen into a queue item at
// enqueue time. The digest covers the canonicalized payload, the device
// identity, and the capture timestamp so the backend can independently verify
// submissions and reject tampered or corrupted records.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Provider implements the outbox checksum contract with SHA-256.
type Provider struct{}

// New returns a SHA-256 checksum provider.
func New() Provider {
	return Provider{}
}

// Digest returns the hex digest of the canonicalized payload, the device id,
// and the capture time. Computed once per item and never again: the stored
// checksum stays fixed even if the producer mutates its payload afterwards.
func (Provider) Digest(payload []byte, deviceID string, capturedAt time.Time) string {
	h := sha256.New()
	h.Write(canonicalize(payload))
	h.Write([]byte{0})
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(capturedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize strips insignificant whitespace from JSON payloads so
// semantically equal payloads digest identically. Non-JSON payloads hash
// as-is.
func canonicalize(payload []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}
