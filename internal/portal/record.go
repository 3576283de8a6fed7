package portal

import (
	"time"
)

// RawRecord is one listing row exactly as scraped, before normalization.
// Every field is the portal's own string form.
type RawRecord struct {
	TenderID  string
	Title     string
	Entity    string
	Value     string
	Status    string
	Published string
	Deadline  string
	DetailURL string
	Documents []DocumentLink
}

// DocumentLink is a document reference discovered on a listing or detail
// page. RequiresSession marks downloads that only succeed inside an
// authenticated portal session.
type DocumentLink struct {
	Label           string `json:"label"`
	URL             string `json:"url"`
	RequiresSession bool   `json:"requires_session"`
}

// PartialRecord is the normalized form of one sighting of a tender. Nil
// pointer fields were absent from this scrape and must not overwrite
// previously stored values.
type PartialRecord struct {
	TenderID  string
	Title     *string
	Entity    *string
	Value     *float64
	Currency  *string
	Status    *string
	Published *time.Time
	Deadline  *time.Time
	DetailURL *string
	Category  Category
	ScrapedAt time.Time
	Documents []DocumentLink
}

// TenderRecord is the canonical, merged view of one tender. TenderID is the
// natural key and is stable across re-scrapes.
type TenderRecord struct {
	TenderID       string     `json:"tender_id"`
	Title          string     `json:"title"`
	Entity         string     `json:"entity"`
	Value          *float64   `json:"value,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	Status         string     `json:"status"`
	Published      *time.Time `json:"published,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	DetailURL      string     `json:"detail_url,omitempty"`
	SourceCategory Category   `json:"source_category"`
	ScrapeCount    int        `json:"scrape_count"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastScrapedAt  time.Time  `json:"last_scraped_at"`
}

// Checkpoint is the durable resume marker for one target's run. It is owned
// exclusively by the run crawling that target and persisted after each
// successfully committed page.
type Checkpoint struct {
	Target                    CrawlTarget `json:"target"`
	LastGoodPage              int         `json:"last_good_page"`
	RecordsSeenOnLastGoodPage int         `json:"records_seen_on_last_good_page"`
	CorruptionEventCount      int         `json:"corruption_event_count"`
	Suspended                 bool        `json:"suspended"`
	SuspendedReason           string      `json:"suspended_reason,omitempty"`
	UpdatedAt                 time.Time   `json:"updated_at"`
}

// ResumePage returns the page a run for this checkpoint starts at.
func (c Checkpoint) ResumePage() int {
	return c.LastGoodPage + 1
}
