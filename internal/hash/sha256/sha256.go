// Package sha256 fingerprints extracted tables so reprocessing can detect
// unchanged content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix marks digests produced by this package.
const Prefix = "sha256:"

// Hasher implements ingest.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the prefixed hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
