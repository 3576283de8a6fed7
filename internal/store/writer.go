package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/merge"
	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/portal"
)

// CommitFunc receives the highest page fully covered by a durable flush,
// with the record count seen on that page. The crawl runner uses it to
// advance the checkpoint; it must only be called after the batch is written.
type CommitFunc func(ctx context.Context, page int, recordsOnPage int) error

// BatchWriterConfig sizes the write buffer.
type BatchWriterConfig struct {
	// MaxRecords triggers a flush when the buffer reaches this size.
	// Default 200.
	MaxRecords int
	// MaxAge triggers a flush when the oldest buffered sighting has waited
	// this long. Checked on Add; navigation cadence bounds the staleness.
	// Default 5s.
	MaxAge time.Duration
}

func (c BatchWriterConfig) withDefaults() BatchWriterConfig {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 200
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Second
	}
	return c
}

// BatchWriter accumulates merged sightings and their document links, and
// flushes them as one multi-row upsert. The commit callback runs strictly
// after the flush succeeds, so a crash re-processes at most one unflushed
// batch; re-processing is safe because merging is idempotent.
//
// Not safe for concurrent use. Each target run owns its own writer.
type BatchWriter struct {
	cfg     BatchWriterConfig
	tenders TenderStore
	docs    DocumentStore
	commit  CommitFunc
	logger  *zap.Logger

	sightings []portal.PartialRecord
	refs      []portal.DocumentRef
	oldestAdd time.Time

	pendingPage        int
	pendingPageRecords int
	category           portal.Category
}

// NewBatchWriter builds a writer for one target run.
func NewBatchWriter(
	cfg BatchWriterConfig,
	tenders TenderStore,
	docs DocumentStore,
	commit CommitFunc,
	logger *zap.Logger,
) *BatchWriter {
	return &BatchWriter{
		cfg:     cfg.withDefaults(),
		tenders: tenders,
		docs:    docs,
		commit:  commit,
		logger:  logger,
	}
}

// Add buffers one fully processed page and flushes if a threshold tripped.
func (w *BatchWriter) Add(ctx context.Context, page int, sightings []portal.PartialRecord, refs []portal.DocumentRef) error {
	if len(w.sightings) == 0 && len(sightings) > 0 {
		w.oldestAdd = time.Now()
	}
	w.sightings = append(w.sightings, sightings...)
	w.refs = append(w.refs, refs...)
	w.pendingPage = page
	w.pendingPageRecords = len(sightings)
	if len(sightings) > 0 {
		w.category = sightings[0].Category
	}

	if len(w.sightings) >= w.cfg.MaxRecords ||
		(len(w.sightings) > 0 && time.Since(w.oldestAdd) >= w.cfg.MaxAge) {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered batch and advances the commit boundary. Called
// implicitly on thresholds and explicitly at run end.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.sightings) == 0 && w.pendingPage == 0 {
		return nil
	}

	if len(w.sightings) > 0 {
		squashed := merge.Squash(w.sightings)
		written, err := w.tenders.UpsertBatch(ctx, squashed)
		if err != nil {
			return fmt.Errorf("flush tender batch: %w", err)
		}
		metrics.ObserveRecordsUpserted(string(w.category), written)
		if w.logger != nil {
			w.logger.Debug("flushed tender batch",
				zap.Int("sightings", len(w.sightings)),
				zap.Int("written", written),
			)
		}
	}
	if len(w.refs) > 0 {
		if _, err := w.docs.EnsureRefs(ctx, dedupeRefs(w.refs)); err != nil {
			return fmt.Errorf("flush document refs: %w", err)
		}
	}

	if w.pendingPage > 0 && w.commit != nil {
		if err := w.commit(ctx, w.pendingPage, w.pendingPageRecords); err != nil {
			return fmt.Errorf("commit flush boundary: %w", err)
		}
	}

	w.sightings = w.sightings[:0]
	w.refs = w.refs[:0]
	w.pendingPage = 0
	w.pendingPageRecords = 0
	return nil
}

// Buffered reports how many sightings wait in the buffer.
func (w *BatchWriter) Buffered() int {
	return len(w.sightings)
}

func dedupeRefs(refs []portal.DocumentRef) []portal.DocumentRef {
	type key struct{ tender, location string }
	seen := make(map[key]struct{}, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		k := key{r.TenderID, r.RemoteLocation}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
