// Package blob defines the archive interface for document payloads. The
// document pipeline saves every fetched payload before extraction so a
// failed extraction can be replayed without refetching from the portal.
package blob

import (
	"context"
	"io"
)

// Provider saves one payload under a key and returns a stable URI for it.
type Provider interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// Noop discards payloads. Used when archiving is disabled.
type Noop struct{}

// Put drains the reader and reports an empty URI.
func (Noop) Put(_ context.Context, _, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "", nil
}
