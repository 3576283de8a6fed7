package store

import (
	"context"
	"errors"
	"time"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TenderFilter narrows ListTenders. Zero fields match everything.
type TenderFilter struct {
	Category portal.Category
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// TenderStore persists canonical tender records. UpsertBatch is the unit of
// atomicity: each row merges independently, no cross-record transaction.
type TenderStore interface {
	// UpsertBatch applies sightings as one multi-row upsert with field-level
	// last-write-wins merge semantics. Sightings must be unique per tender;
	// callers squash duplicates first. Returns rows written.
	UpsertBatch(ctx context.Context, sightings []portal.PartialRecord) (int, error)
	// GetTender loads one record or returns ErrNotFound.
	GetTender(ctx context.Context, tenderID string) (portal.TenderRecord, error)
	// ListTenders returns records matching the filter, newest first.
	ListTenders(ctx context.Context, filter TenderFilter) ([]portal.TenderRecord, error)
}

// CheckpointStore persists per-target resume state, keyed by the target's
// (category, window, mode) identity.
type CheckpointStore interface {
	// Get loads the checkpoint for a target, or ErrNotFound for a fresh
	// target.
	Get(ctx context.Context, target portal.CrawlTarget) (portal.Checkpoint, error)
	// Put upserts the checkpoint.
	Put(ctx context.Context, cp portal.Checkpoint) error
	// Suspend marks the target operator-visibly faulted.
	Suspend(ctx context.Context, target portal.CrawlTarget, reason string) error
	// Resume clears a suspension so the target can be crawled again.
	Resume(ctx context.Context, target portal.CrawlTarget) error
	// List returns every known checkpoint.
	List(ctx context.Context) ([]portal.Checkpoint, error)
}

// DocumentStore persists document references and drives the pending queue.
type DocumentStore interface {
	// EnsureRefs inserts refs that are new by (tender, location); existing
	// refs are left untouched. Returns the number inserted.
	EnsureRefs(ctx context.Context, refs []portal.DocumentRef) (int, error)
	// ClaimDue returns up to limit documents due for processing and makes
	// them invisible to other claimants for the claim TTL.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]portal.DocumentRef, error)
	// MarkSuccess finalizes a document. It must refuse to touch documents
	// already in a terminal state.
	MarkSuccess(ctx context.Context, docID, text string, embedding []float32, archiveURI string) error
	// MarkRetry schedules another attempt.
	MarkRetry(ctx context.Context, docID string, attempts int, nextAttempt time.Time, reason string) error
	// MarkFailed records permanent failure.
	MarkFailed(ctx context.Context, docID, reason string) error
	// Requeue reopens a failed document to pending. Success is terminal and
	// must be refused.
	Requeue(ctx context.Context, docID string) error
	// Get loads one ref or returns ErrNotFound.
	Get(ctx context.Context, docID string) (portal.DocumentRef, error)
	// ListByTender returns all refs owned by a tender.
	ListByTender(ctx context.Context, tenderID string) ([]portal.DocumentRef, error)
	// ListFailed returns permanently failed documents, newest first.
	ListFailed(ctx context.Context, limit int) ([]portal.DocumentRef, error)
	// CountByStatus reports queue composition for observability.
	CountByStatus(ctx context.Context) (map[portal.ExtractionStatus]int, error)
}
