// Package publisher defines the outbound notification seam. Downstream
// consumers (indexers, alerting, data warehouse loads) subscribe to crawl and
// document milestones without ever touching the crawler's stores.
package publisher

import "context"

// Provider publishes one payload to a named topic and returns the
// broker-assigned message ID. Implementations marshal the payload themselves
// so callers stay transport-agnostic.
type Provider interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Noop drops every publish. Used when no broker is configured.
type Noop struct{}

// Publish discards the payload.
func (Noop) Publish(context.Context, string, any) (string, error) { return "", nil }

// Close implements Provider.
func (Noop) Close() error { return nil }
