// Package sha256 digests document payloads. The hex digest is part of the
// archive object key, so refetching identical bytes lands on the same object
// instead of a duplicate.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements docpipe.Hasher with SHA-256 hex digests.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
