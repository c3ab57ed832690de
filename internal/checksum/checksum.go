// Package checksum computes content fingerprints for session documents.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprinter computes a stable digest of raw document bytes.
type Fingerprinter interface {
	Fingerprint(data []byte) string
}

// SHA256 is the default Fingerprinter.
type SHA256 struct{}

// Fingerprint implements Fingerprinter.
func (SHA256) Fingerprint(data []byte) string { return Sum(data) }

// Sum returns the hex-encoded SHA-256 digest of data. A nil or empty
// slice yields the digest of the empty input.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
