// Package tracelog persists per-page navigation legs and progress events to a
// local SQLite file. The trace survives crashes, so a corrupted session can be
// replayed page by page to tune detection thresholds, and suspended targets
// can be audited without portal access. Tracing is optional; a nil *Recorder
// disables it.
package tracelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/procurewatch/tendercrawl/internal/progress"
)

// Leg records one navigation leg: the page fetched, the fingerprint and
// record IDs extracted from it, and the detector's verdict.
type Leg struct {
	RunID       string
	Target      string
	Page        int
	Fingerprint string
	RecordCount int
	RecordIDs   []string
	// Corrupted marks legs the detector flagged; Reason carries the verdict.
	Corrupted bool
	Reason    string
	// Recovery marks the first leg fetched through a rebuilt session.
	Recovery bool
	TS       time.Time
}

// Recorder writes legs and progress events to a SQLite database in WAL mode.
// It also satisfies the progress store sink's EventWriter interface.
type Recorder struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS legs (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	target       TEXT NOT NULL,
	page         INTEGER NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	record_count INTEGER NOT NULL DEFAULT 0,
	record_ids   TEXT NOT NULL DEFAULT '[]',
	corrupted    INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT '',
	recovery     INTEGER NOT NULL DEFAULT 0,
	ts           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_legs_run_page ON legs(run_id, page);
CREATE INDEX IF NOT EXISTS idx_legs_ts ON legs(ts);

CREATE TABLE IF NOT EXISTS events (
	id       TEXT PRIMARY KEY,
	run_id   TEXT NOT NULL,
	stage    TEXT NOT NULL,
	target   TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	page     INTEGER NOT NULL DEFAULT 0,
	records  INTEGER NOT NULL DEFAULT 0,
	dur_ms   INTEGER NOT NULL DEFAULT 0,
	note     TEXT NOT NULL DEFAULT '',
	ts       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run_ts ON events(run_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// Open creates or opens the trace database at path and applies the schema.
func Open(path string) (*Recorder, error) {
	if path == "" {
		return nil, errors.New("trace database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply trace schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// RecordLeg appends one navigation leg. A nil Recorder is a no-op so callers
// can leave tracing unwired.
func (r *Recorder) RecordLeg(ctx context.Context, leg Leg) error {
	if r == nil {
		return nil
	}
	if leg.RunID == "" || leg.Target == "" {
		return errors.New("leg requires run id and target")
	}
	if leg.Page < 1 {
		return fmt.Errorf("leg page %d out of range", leg.Page)
	}
	if leg.TS.IsZero() {
		leg.TS = time.Now()
	}
	ids := leg.RecordIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode leg record ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO legs (id, run_id, target, page, fingerprint, record_count, record_ids, corrupted, reason, recovery, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), leg.RunID, leg.Target, leg.Page, leg.Fingerprint,
		leg.RecordCount, string(encoded), boolInt(leg.Corrupted), leg.Reason,
		boolInt(leg.Recovery), formatTS(leg.TS),
	)
	if err != nil {
		return fmt.Errorf("insert leg: %w", err)
	}
	return nil
}

// ListLegs returns a run's legs in page order for offline replay.
func (r *Recorder) ListLegs(ctx context.Context, runID string) ([]Leg, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, target, page, fingerprint, record_count, record_ids, corrupted, reason, recovery, ts
		 FROM legs WHERE run_id = ? ORDER BY page, ts`, runID)
	if err != nil {
		return nil, fmt.Errorf("query legs: %w", err)
	}
	defer rows.Close()

	var legs []Leg
	for rows.Next() {
		var (
			leg       Leg
			idsJSON   string
			corrupted int
			recovery  int
			ts        string
		)
		if err := rows.Scan(&leg.RunID, &leg.Target, &leg.Page, &leg.Fingerprint,
			&leg.RecordCount, &idsJSON, &corrupted, &leg.Reason, &recovery, &ts); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &leg.RecordIDs); err != nil {
			return nil, fmt.Errorf("decode leg record ids: %w", err)
		}
		leg.Corrupted = corrupted != 0
		leg.Recovery = recovery != 0
		if leg.TS, err = parseTS(ts); err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legs: %w", err)
	}
	return legs, nil
}

// WriteEvents persists a progress batch inside one transaction.
func (r *Recorder) WriteEvents(ctx context.Context, batch []progress.Event) error {
	if r == nil || len(batch) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, run_id, stage, target, category, page, records, dur_ms, note, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, evt := range batch {
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), evt.RunID, string(evt.Stage), evt.Target,
			evt.Category, evt.Page, evt.Records, evt.Dur.Milliseconds(),
			evt.Note, formatTS(evt.TS),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// Prune deletes legs and events older than the retention period and returns
// the number of rows removed.
func (r *Recorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if r == nil || retention <= 0 {
		return 0, nil
	}
	cutoff := formatTS(time.Now().Add(-retention))
	var total int64
	for _, table := range []string{"legs", "events"} {
		res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s rows: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tsLayout keeps the fraction fixed-width so lexicographic comparison in SQL
// matches chronological order. RFC3339Nano trims trailing zeros and would not.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(ts time.Time) string {
	return ts.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	ts, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trace timestamp: %w", err)
	}
	return ts, nil
}
