package portal

import (
	"context"
	"errors"
)

// ErrSessionCrashed signals that the underlying automation context died.
// Callers treat it as a transient failure and open a fresh session.
var ErrSessionCrashed = errors.New("portal session crashed")

// ErrFilterRejected signals that the portal refused the requested filter,
// for example an archive year it does not carry. Not retryable.
var ErrFilterRejected = errors.New("portal rejected filter")

// Session is one live connection to the portal, able to assert a filter and
// walk listing pages. Production sessions wrap a browser automation context;
// tests use a scripted fake that injects corruption and timeouts.
type Session interface {
	// ApplyFilter asserts the target's category and window. Modal-mode
	// callers re-assert on every navigation leg because the dialog's filter
	// state is not carried by the URL.
	ApplyFilter(ctx context.Context, target CrawlTarget) error
	// NavigateToPage moves the listing to the given 1-based page.
	NavigateToPage(ctx context.Context, page int) error
	// ExtractPage scrapes the rows visible on the current listing page.
	ExtractPage(ctx context.Context) (PageResult, error)
	// FetchDocument downloads a document that is only reachable from inside
	// the session. Returns payload bytes and the reported content type.
	FetchDocument(ctx context.Context, remoteLocation string) ([]byte, string, error)
	// Close releases the underlying automation context and its lease.
	Close(ctx context.Context) error
}

// SessionFactory opens portal sessions. Implementations acquire capacity
// from the governor before opening an automation context; Open blocks until
// capacity is granted or ctx is done.
type SessionFactory interface {
	Open(ctx context.Context, target CrawlTarget) (Session, error)
}
