package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store"
)

const tenderColumns = `tender_id, title, entity, value, currency, status, published, deadline, detail_url, source_category, scrape_count, first_seen_at, last_scraped_at`

// tenderUpsertSuffix merges a sighting into the canonical row. Absent fields
// arrive as NULL (or '' for text) and never overwrite known values. The
// scrape counter only moves when the sighting is newer than the stored row,
// so replaying a batch is a no-op.
const tenderUpsertSuffix = ` ON CONFLICT (tender_id) DO UPDATE SET
	title = COALESCE(NULLIF(EXCLUDED.title, ''), tenders.title),
	entity = COALESCE(NULLIF(EXCLUDED.entity, ''), tenders.entity),
	value = COALESCE(EXCLUDED.value, tenders.value),
	currency = COALESCE(NULLIF(EXCLUDED.currency, ''), tenders.currency),
	status = COALESCE(NULLIF(EXCLUDED.status, ''), tenders.status),
	published = COALESCE(EXCLUDED.published, tenders.published),
	deadline = COALESCE(EXCLUDED.deadline, tenders.deadline),
	detail_url = COALESCE(NULLIF(EXCLUDED.detail_url, ''), tenders.detail_url),
	source_category = EXCLUDED.source_category,
	scrape_count = tenders.scrape_count + CASE WHEN EXCLUDED.last_scraped_at > tenders.last_scraped_at THEN 1 ELSE 0 END,
	last_scraped_at = GREATEST(tenders.last_scraped_at, EXCLUDED.last_scraped_at)`

// TenderStore implements store.TenderStore on Postgres.
type TenderStore struct {
	pool querier
}

// NewTenderStore wraps a shared pool. pgxmock pools work for tests.
func NewTenderStore(pool querier) (*TenderStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TenderStore{pool: pool}, nil
}

// UpsertBatch writes all sightings in one multi-row statement. Sightings
// must be unique per tender id; Postgres rejects a second conflict on the
// same row within one command.
func (s *TenderStore) UpsertBatch(ctx context.Context, sightings []portal.PartialRecord) (int, error) {
	if len(sightings) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO tenders (` + tenderColumns + `) VALUES `)
	args := make([]any, 0, len(sightings)*11)
	for i, p := range sightings {
		if p.TenderID == "" {
			return 0, fmt.Errorf("sighting without tender id")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, 1, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+11)
		args = append(args,
			p.TenderID,
			strOrEmpty(p.Title),
			strOrEmpty(p.Entity),
			p.Value,
			strOrEmpty(p.Currency),
			strOrEmpty(p.Status),
			p.Published,
			p.Deadline,
			strOrEmpty(p.DetailURL),
			string(p.Category),
			p.ScrapedAt.UTC(),
		)
	}
	sb.WriteString(tenderUpsertSuffix)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("upsert tenders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetTender loads one record by natural key.
func (s *TenderStore) GetTender(ctx context.Context, tenderID string) (portal.TenderRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE tender_id = $1`, tenderID)
	rec, err := scanTender(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return portal.TenderRecord{}, store.ErrNotFound
	}
	if err != nil {
		return portal.TenderRecord{}, fmt.Errorf("get tender %s: %w", tenderID, err)
	}
	return rec, nil
}

// ListTenders returns matching records newest first.
func (s *TenderStore) ListTenders(ctx context.Context, filter store.TenderFilter) ([]portal.TenderRecord, error) {
	q := `SELECT ` + tenderColumns + ` FROM tenders`
	var (
		conds []string
		args  []any
	)
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		conds = append(conds, fmt.Sprintf("source_category = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conds = append(conds, fmt.Sprintf("last_scraped_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conds = append(conds, fmt.Sprintf("last_scraped_at <= $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY last_scraped_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenders: %w", err)
	}
	defer rows.Close()

	var out []portal.TenderRecord
	for rows.Next() {
		rec, err := scanTender(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tender: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenders: %w", err)
	}
	return out, nil
}

func scanTender(row pgx.Row) (portal.TenderRecord, error) {
	var (
		rec      portal.TenderRecord
		category string
	)
	err := row.Scan(
		&rec.TenderID,
		&rec.Title,
		&rec.Entity,
		&rec.Value,
		&rec.Currency,
		&rec.Status,
		&rec.Published,
		&rec.Deadline,
		&rec.DetailURL,
		&category,
		&rec.ScrapeCount,
		&rec.FirstSeenAt,
		&rec.LastScrapedAt,
	)
	if err != nil {
		return portal.TenderRecord{}, err
	}
	rec.SourceCategory = portal.Category(category)
	return rec, nil
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
