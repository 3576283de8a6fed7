package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/store"
)

const checkpointColumns = `category, window_key, filter_mode, last_good_page, records_seen, corruption_events, suspended, suspended_reason, updated_at`

const checkpointUpsert = `INSERT INTO checkpoints (` + checkpointColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (category, window_key, filter_mode) DO UPDATE SET
	last_good_page = EXCLUDED.last_good_page,
	records_seen = EXCLUDED.records_seen,
	corruption_events = EXCLUDED.corruption_events,
	suspended = EXCLUDED.suspended,
	suspended_reason = EXCLUDED.suspended_reason,
	updated_at = EXCLUDED.updated_at`

// CheckpointStore implements store.CheckpointStore on Postgres. Targets are
// keyed by (category, window, filter mode); the window is stored in its
// string form and parsed back on read.
type CheckpointStore struct {
	pool querier
}

// NewCheckpointStore wraps a shared pool.
func NewCheckpointStore(pool querier) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

// Get loads the checkpoint for a target.
func (s *CheckpointStore) Get(ctx context.Context, target portal.CrawlTarget) (portal.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE category = $1 AND window_key = $2 AND filter_mode = $3`,
		string(target.Category), target.Window.String(), string(target.Mode),
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return portal.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return portal.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", target.Key(), err)
	}
	return cp, nil
}

// Put upserts the checkpoint.
func (s *CheckpointStore) Put(ctx context.Context, cp portal.Checkpoint) error {
	if err := cp.Target.Validate(); err != nil {
		return fmt.Errorf("checkpoint target: %w", err)
	}
	_, err := s.pool.Exec(ctx, checkpointUpsert,
		string(cp.Target.Category),
		cp.Target.Window.String(),
		string(cp.Target.Mode),
		cp.LastGoodPage,
		cp.RecordsSeenOnLastGoodPage,
		cp.CorruptionEventCount,
		cp.Suspended,
		cp.SuspendedReason,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.Target.Key(), err)
	}
	return nil
}

// Suspend marks the target faulted, creating the checkpoint row when the
// target has never committed progress.
func (s *CheckpointStore) Suspend(ctx context.Context, target portal.CrawlTarget, reason string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`)
VALUES ($1, $2, $3, 0, 0, 0, TRUE, $4, $5)
ON CONFLICT (category, window_key, filter_mode) DO UPDATE SET
	suspended = TRUE,
	suspended_reason = EXCLUDED.suspended_reason,
	updated_at = EXCLUDED.updated_at`,
		string(target.Category), target.Window.String(), string(target.Mode), reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("suspend %s: %w", target.Key(), err)
	}
	return nil
}

// Resume clears a suspension.
func (s *CheckpointStore) Resume(ctx context.Context, target portal.CrawlTarget) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE checkpoints SET suspended = FALSE, suspended_reason = '', updated_at = $4
WHERE category = $1 AND window_key = $2 AND filter_mode = $3`,
		string(target.Category), target.Window.String(), string(target.Mode), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("resume %s: %w", target.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns every checkpoint in target-key order.
func (s *CheckpointStore) List(ctx context.Context) ([]portal.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints ORDER BY category, window_key, filter_mode`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []portal.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func scanCheckpoint(row pgx.Row) (portal.Checkpoint, error) {
	var (
		cp        portal.Checkpoint
		category  string
		windowKey string
		mode      string
	)
	err := row.Scan(
		&category,
		&windowKey,
		&mode,
		&cp.LastGoodPage,
		&cp.RecordsSeenOnLastGoodPage,
		&cp.CorruptionEventCount,
		&cp.Suspended,
		&cp.SuspendedReason,
		&cp.UpdatedAt,
	)
	if err != nil {
		return portal.Checkpoint{}, err
	}
	window, err := portal.ParseWindow(windowKey)
	if err != nil {
		return portal.Checkpoint{}, fmt.Errorf("stored window %q: %w", windowKey, err)
	}
	cp.Target = portal.CrawlTarget{
		Category: portal.Category(category),
		Window:   window,
		Mode:     portal.FilterMode(mode),
	}
	return cp, nil
}
