package portal

import "time"

// ExtractionStatus tracks a document through the extraction pipeline.
type ExtractionStatus string

// Document lifecycle states. Success and failed are terminal.
const (
	ExtractionPending        ExtractionStatus = "pending"
	ExtractionSuccess        ExtractionStatus = "success"
	ExtractionFailed         ExtractionStatus = "failed"
	ExtractionRetryScheduled ExtractionStatus = "retry-scheduled"
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. A document never leaves success, and failed can only be reopened to
// pending by an explicit operator requeue.
func (s ExtractionStatus) CanTransition(next ExtractionStatus) bool {
	switch s {
	case ExtractionPending, ExtractionRetryScheduled:
		return next == ExtractionSuccess || next == ExtractionFailed ||
			next == ExtractionRetryScheduled || next == ExtractionPending
	case ExtractionFailed:
		return next == ExtractionPending
	case ExtractionSuccess:
		return false
	}
	return false
}

// DocumentRef tracks one attached document. Mutated only by the document
// pipeline; the local payload is transient and removed once extraction
// succeeds or permanently fails.
type DocumentRef struct {
	DocID           string           `json:"doc_id"`
	TenderID        string           `json:"tender_id"`
	RemoteLocation  string           `json:"remote_location"`
	Label           string           `json:"label,omitempty"`
	RequiresSession bool             `json:"requires_session"`
	Status          ExtractionStatus `json:"status"`
	Attempts        int              `json:"attempts"`
	NextAttemptAt   *time.Time       `json:"next_attempt_at,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	ContentType     string           `json:"content_type,omitempty"`
	ArchiveURI      string           `json:"archive_uri,omitempty"`
	ExtractedText   string           `json:"-"`
	Embedding       []float32        `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
