package postgres

import (
	"context"
	"fmt"
)

// schemaStatements are applied one by one; every statement is idempotent so
// EnsureSchema can run on each start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenders (
		tender_id       TEXT PRIMARY KEY,
		title           TEXT NOT NULL DEFAULT '',
		entity          TEXT NOT NULL DEFAULT '',
		value           DOUBLE PRECISION,
		currency        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT '',
		published       TIMESTAMPTZ,
		deadline        TIMESTAMPTZ,
		detail_url      TEXT NOT NULL DEFAULT '',
		source_category TEXT NOT NULL,
		scrape_count    INTEGER NOT NULL DEFAULT 0,
		first_seen_at   TIMESTAMPTZ NOT NULL,
		last_scraped_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tenders_category_scraped_idx
		ON tenders (source_category, last_scraped_at DESC)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		category          TEXT NOT NULL,
		window_key        TEXT NOT NULL,
		filter_mode       TEXT NOT NULL,
		last_good_page    INTEGER NOT NULL DEFAULT 0,
		records_seen      INTEGER NOT NULL DEFAULT 0,
		corruption_events INTEGER NOT NULL DEFAULT 0,
		suspended         BOOLEAN NOT NULL DEFAULT FALSE,
		suspended_reason  TEXT NOT NULL DEFAULT '',
		updated_at        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (category, window_key, filter_mode)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		doc_id           UUID PRIMARY KEY,
		tender_id        TEXT NOT NULL,
		remote_location  TEXT NOT NULL,
		label            TEXT NOT NULL DEFAULT '',
		requires_session BOOLEAN NOT NULL DEFAULT FALSE,
		status           TEXT NOT NULL DEFAULT 'pending',
		attempts         INTEGER NOT NULL DEFAULT 0,
		next_attempt_at  TIMESTAMPTZ,
		failure_reason   TEXT NOT NULL DEFAULT '',
		content_type     TEXT NOT NULL DEFAULT '',
		archive_uri      TEXT NOT NULL DEFAULT '',
		extracted_text   TEXT NOT NULL DEFAULT '',
		embedding        REAL[],
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (tender_id, remote_location)
	)`,
	`CREATE INDEX IF NOT EXISTS documents_due_idx
		ON documents (status, next_attempt_at)
		WHERE status IN ('pending', 'retry-scheduled')`,
	`CREATE INDEX IF NOT EXISTS documents_tender_idx
		ON documents (tender_id)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool querier) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
