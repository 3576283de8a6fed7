package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store"
)

// claimTTL hides claimed documents from other claimants long enough for an
// extraction attempt; crashed workers leak the claim back after it passes.
const claimTTL = 10 * time.Minute

const docColumns = `doc_id, tender_id, remote_location, label, requires_session, status, attempts, next_attempt_at, failure_reason, content_type, archive_uri, extracted_text, embedding, created_at, updated_at`

// claimDueSQL selects due work with SKIP LOCKED so concurrent claimants
// never hand out the same document, then pushes next_attempt_at forward as
// the claim.
const claimDueSQL = `WITH due AS (
	SELECT doc_id FROM documents
	WHERE status IN ('pending', 'retry-scheduled')
	  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE documents d
SET next_attempt_at = $3
FROM due
WHERE d.doc_id = due.doc_id
RETURNING d.doc_id, d.tender_id, d.remote_location, d.label, d.requires_session, d.status, d.attempts, d.next_attempt_at, d.failure_reason, d.content_type, d.archive_uri, d.extracted_text, d.embedding, d.created_at, d.updated_at`

// DocumentStore implements store.DocumentStore on Postgres. The documents
// table doubles as the extraction queue.
type DocumentStore struct {
	pool querier
}

// NewDocumentStore wraps a shared pool.
func NewDocumentStore(pool querier) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{pool: pool}, nil
}

// EnsureRefs inserts refs new by (tender, location). Conflicting rows are
// left untouched so a re-crawl never resets extraction state.
func (s *DocumentStore) EnsureRefs(ctx context.Context, refs []portal.DocumentRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO documents (doc_id, tender_id, remote_location, label, requires_session, status, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(refs)*7)
	now := time.Now().UTC()
	for i, ref := range refs {
		if ref.DocID == "" || ref.TenderID == "" || ref.RemoteLocation == "" {
			return 0, fmt.Errorf("document ref missing id, tender or location")
		}
		status := ref.Status
		if status == "" {
			status = portal.ExtractionPending
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+7)
		args = append(args, ref.DocID, ref.TenderID, ref.RemoteLocation, ref.Label, ref.RequiresSession, string(status), now)
	}
	sb.WriteString(` ON CONFLICT (tender_id, remote_location) DO NOTHING`)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("ensure document refs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDue returns up to limit due documents, hiding them for claimTTL.
func (s *DocumentStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]portal.DocumentRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, claimDueSQL, now, limit, now.Add(claimTTL))
	if err != nil {
		return nil, fmt.Errorf("claim due documents: %w", err)
	}
	defer rows.Close()

	var out []portal.DocumentRef
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due documents: %w", err)
	}
	return out, nil
}

// MarkSuccess finalizes a document. The status guard keeps terminal rows
// untouched even when a stale worker reports late.
func (s *DocumentStore) MarkSuccess(ctx context.Context, docID, text string, embedding []float32, archiveURI string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
SET status = 'success', extracted_text = $2, embedding = $3, archive_uri = $4, failure_reason = '', next_attempt_at = NULL, updated_at = $5
WHERE doc_id = $1 AND status IN ('pending', 'retry-scheduled')`,
		docID, text, embedding, archiveURI, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark document success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, docID, portal.ExtractionSuccess)
	}
	return nil
}

// MarkRetry schedules another extraction attempt.
func (s *DocumentStore) MarkRetry(ctx context.Context, docID string, attempts int, nextAttempt time.Time, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
SET status = 'retry-scheduled', attempts = $2, next_attempt_at = $3, failure_reason = $4, updated_at = $5
WHERE doc_id = $1 AND status IN ('pending', 'retry-scheduled')`,
		docID, attempts, nextAttempt, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark document retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, docID, portal.ExtractionRetryScheduled)
	}
	return nil
}

// MarkFailed records permanent failure.
func (s *DocumentStore) MarkFailed(ctx context.Context, docID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
SET status = 'failed', failure_reason = $2, next_attempt_at = NULL, updated_at = $3
WHERE doc_id = $1 AND status IN ('pending', 'retry-scheduled')`,
		docID, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, docID, portal.ExtractionFailed)
	}
	return nil
}

// Requeue reopens a document to pending. Success stays terminal.
func (s *DocumentStore) Requeue(ctx context.Context, docID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
SET status = 'pending', failure_reason = '', next_attempt_at = NULL, attempts = 0, updated_at = $2
WHERE doc_id = $1 AND status IN ('pending', 'retry-scheduled', 'failed')`,
		docID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("requeue document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionRefused(ctx, docID, portal.ExtractionPending)
	}
	return nil
}

// transitionRefused distinguishes a missing row from a guarded one after an
// update matched nothing.
func (s *DocumentStore) transitionRefused(ctx context.Context, docID string, next portal.ExtractionStatus) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM documents WHERE doc_id = $1`, docID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load document status: %w", err)
	}
	return fmt.Errorf("document %s: illegal transition %s -> %s", docID, status, next)
}

// Get loads one ref.
func (s *DocumentStore) Get(ctx context.Context, docID string) (portal.DocumentRef, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE doc_id = $1`, docID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return portal.DocumentRef{}, store.ErrNotFound
	}
	if err != nil {
		return portal.DocumentRef{}, fmt.Errorf("get document %s: %w", docID, err)
	}
	return doc, nil
}

// ListByTender returns a tender's refs oldest first.
func (s *DocumentStore) ListByTender(ctx context.Context, tenderID string) ([]portal.DocumentRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+docColumns+` FROM documents WHERE tender_id = $1 ORDER BY created_at`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("list documents for tender: %w", err)
	}
	return collectDocuments(rows)
}

// ListFailed returns permanently failed refs, newest first.
func (s *DocumentStore) ListFailed(ctx context.Context, limit int) ([]portal.DocumentRef, error) {
	q := `SELECT ` + docColumns + ` FROM documents WHERE status = 'failed' ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed documents: %w", err)
	}
	return collectDocuments(rows)
}

// CountByStatus reports queue composition.
func (s *DocumentStore) CountByStatus(ctx context.Context) (map[portal.ExtractionStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	out := make(map[portal.ExtractionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		out[portal.ExtractionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	return out, nil
}

func collectDocuments(rows pgx.Rows) ([]portal.DocumentRef, error) {
	defer rows.Close()
	var out []portal.DocumentRef
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

func scanDocument(row pgx.Row) (portal.DocumentRef, error) {
	var (
		doc    portal.DocumentRef
		status string
	)
	err := row.Scan(
		&doc.DocID,
		&doc.TenderID,
		&doc.RemoteLocation,
		&doc.Label,
		&doc.RequiresSession,
		&status,
		&doc.Attempts,
		&doc.NextAttemptAt,
		&doc.FailureReason,
		&doc.ContentType,
		&doc.ArchiveURI,
		&doc.ExtractedText,
		&doc.Embedding,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return portal.DocumentRef{}, err
	}
	doc.Status = portal.ExtractionStatus(status)
	return doc, nil
}
