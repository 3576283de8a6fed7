// Package memory provides in-memory store implementations for development
// and tests. Semantics match the Postgres implementations, including merge
// behavior and terminal-state guards.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/procurewatch/tendercrawl/internal/merge"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store"
)

// TenderStore keeps canonical records in a map guarded by a RWMutex.
type TenderStore struct {
	mu      sync.RWMutex
	tenders map[string]portal.TenderRecord
}

// NewTenderStore constructs an empty TenderStore.
func NewTenderStore() *TenderStore {
	return &TenderStore{tenders: make(map[string]portal.TenderRecord)}
}

// UpsertBatch merges each sighting independently, mirroring the per-row
// atomicity of the SQL upsert.
func (s *TenderStore) UpsertBatch(_ context.Context, sightings []portal.PartialRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, p := range sightings {
		if p.TenderID == "" {
			return written, fmt.Errorf("sighting without tender id")
		}
		if existing, ok := s.tenders[p.TenderID]; ok {
			s.tenders[p.TenderID] = merge.Apply(&existing, p)
		} else {
			s.tenders[p.TenderID] = merge.Apply(nil, p)
		}
		written++
	}
	return written, nil
}

// GetTender fetches one record by natural key.
func (s *TenderStore) GetTender(_ context.Context, tenderID string) (portal.TenderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tenders[tenderID]
	if !ok {
		return portal.TenderRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListTenders filters and sorts newest-first by LastScrapedAt.
func (s *TenderStore) ListTenders(_ context.Context, filter store.TenderFilter) ([]portal.TenderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []portal.TenderRecord
	for _, rec := range s.tenders {
		if filter.Category != "" && rec.SourceCategory != filter.Category {
			continue
		}
		if !filter.From.IsZero() && rec.LastScrapedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.LastScrapedAt.After(filter.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastScrapedAt.After(out[j].LastScrapedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count reports stored records, for tests and status surfaces.
func (s *TenderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenders)
}

// CheckpointStore keeps per-target progress in a map keyed by target key.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]portal.Checkpoint
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]portal.Checkpoint)}
}

// Get loads the checkpoint for a target.
func (s *CheckpointStore) Get(_ context.Context, target portal.CrawlTarget) (portal.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[target.Key()]
	if !ok {
		return portal.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

// Put upserts the checkpoint.
func (s *CheckpointStore) Put(_ context.Context, cp portal.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.Target.Key()] = cp
	return nil
}

// Suspend flags the target as an operator-visible fault.
func (s *CheckpointStore) Suspend(_ context.Context, target portal.CrawlTarget, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[target.Key()]
	if !ok {
		cp = portal.Checkpoint{Target: target}
	}
	cp.Suspended = true
	cp.SuspendedReason = reason
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[target.Key()] = cp
	return nil
}

// Resume clears a suspension.
func (s *CheckpointStore) Resume(_ context.Context, target portal.CrawlTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[target.Key()]
	if !ok {
		return store.ErrNotFound
	}
	cp.Suspended = false
	cp.SuspendedReason = ""
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[target.Key()] = cp
	return nil
}

// List returns all checkpoints sorted by target key.
func (s *CheckpointStore) List(_ context.Context) ([]portal.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]portal.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.Key() < out[j].Target.Key()
	})
	return out, nil
}

// claimTTL hides claimed documents from other claimants long enough for an
// extraction attempt; crashed workers leak the claim back after it passes.
const claimTTL = 10 * time.Minute

// DocumentStore keeps document refs in a map and serves the pending queue.
type DocumentStore struct {
	mu       sync.RWMutex
	docs     map[string]portal.DocumentRef
	byIdent  map[string]string
	byTender map[string][]string
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:     make(map[string]portal.DocumentRef),
		byIdent:  make(map[string]string),
		byTender: make(map[string][]string),
	}
}

func identKey(tenderID, location string) string {
	return tenderID + "\x00" + location
}

// EnsureRefs inserts refs new by (tender, location).
func (s *DocumentStore) EnsureRefs(_ context.Context, refs []portal.DocumentRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, ref := range refs {
		if ref.DocID == "" || ref.TenderID == "" || ref.RemoteLocation == "" {
			return inserted, fmt.Errorf("document ref missing id, tender or location")
		}
		ident := identKey(ref.TenderID, ref.RemoteLocation)
		if _, exists := s.byIdent[ident]; exists {
			continue
		}
		if ref.Status == "" {
			ref.Status = portal.ExtractionPending
		}
		now := time.Now().UTC()
		if ref.CreatedAt.IsZero() {
			ref.CreatedAt = now
		}
		ref.UpdatedAt = now
		s.docs[ref.DocID] = ref
		s.byIdent[ident] = ref.DocID
		s.byTender[ref.TenderID] = append(s.byTender[ref.TenderID], ref.DocID)
		inserted++
	}
	return inserted, nil
}

// ClaimDue returns due pending and retry-scheduled refs, hiding them for
// claimTTL.
func (s *DocumentStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]portal.DocumentRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []portal.DocumentRef
	for _, doc := range s.docs {
		if doc.Status != portal.ExtractionPending && doc.Status != portal.ExtractionRetryScheduled {
			continue
		}
		if doc.NextAttemptAt != nil && doc.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, doc)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, doc := range due {
		next := now.Add(claimTTL)
		doc.NextAttemptAt = &next
		s.docs[doc.DocID] = doc
	}
	return due, nil
}

// MarkSuccess finalizes a document; terminal states are never overwritten.
func (s *DocumentStore) MarkSuccess(_ context.Context, docID, text string, embedding []float32, archiveURI string) error {
	return s.transition(docID, portal.ExtractionSuccess, func(doc *portal.DocumentRef) {
		doc.ExtractedText = text
		doc.Embedding = embedding
		doc.ArchiveURI = archiveURI
		doc.FailureReason = ""
		doc.NextAttemptAt = nil
	})
}

// MarkRetry schedules another extraction attempt.
func (s *DocumentStore) MarkRetry(_ context.Context, docID string, attempts int, nextAttempt time.Time, reason string) error {
	return s.transition(docID, portal.ExtractionRetryScheduled, func(doc *portal.DocumentRef) {
		doc.Attempts = attempts
		doc.NextAttemptAt = &nextAttempt
		doc.FailureReason = reason
	})
}

// MarkFailed records permanent failure.
func (s *DocumentStore) MarkFailed(_ context.Context, docID, reason string) error {
	return s.transition(docID, portal.ExtractionFailed, func(doc *portal.DocumentRef) {
		doc.FailureReason = reason
		doc.NextAttemptAt = nil
	})
}

// Requeue reopens a failed document.
func (s *DocumentStore) Requeue(_ context.Context, docID string) error {
	return s.transition(docID, portal.ExtractionPending, func(doc *portal.DocumentRef) {
		doc.FailureReason = ""
		doc.NextAttemptAt = nil
		doc.Attempts = 0
	})
}

func (s *DocumentStore) transition(docID string, next portal.ExtractionStatus, apply func(*portal.DocumentRef)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return store.ErrNotFound
	}
	if !doc.Status.CanTransition(next) {
		return fmt.Errorf("document %s: illegal transition %s -> %s", docID, doc.Status, next)
	}
	apply(&doc)
	doc.Status = next
	doc.UpdatedAt = time.Now().UTC()
	s.docs[docID] = doc
	return nil
}

// Get loads one ref.
func (s *DocumentStore) Get(_ context.Context, docID string) (portal.DocumentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return portal.DocumentRef{}, store.ErrNotFound
	}
	return doc, nil
}

// ListByTender returns a tender's refs in insertion order.
func (s *DocumentStore) ListByTender(_ context.Context, tenderID string) ([]portal.DocumentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTender[tenderID]
	out := make([]portal.DocumentRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.docs[id])
	}
	return out, nil
}

// ListFailed returns permanently failed refs, newest first.
func (s *DocumentStore) ListFailed(_ context.Context, limit int) ([]portal.DocumentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []portal.DocumentRef
	for _, doc := range s.docs {
		if doc.Status == portal.ExtractionFailed {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus reports queue composition.
func (s *DocumentStore) CountByStatus(_ context.Context) (map[portal.ExtractionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[portal.ExtractionStatus]int)
	for _, doc := range s.docs {
		out[doc.Status]++
	}
	return out, nil
}
