// Package crawl implements the navigation engine: per-target runs that walk
// listing pages through recoverable portal sessions, detect silent filter
// corruption, write merged records in durable batches, and advance a
// monotonic checkpoint. A Supervisor fans independent runs out across
// targets.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/id/uuid"
	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/progress"
	"github.com/procurewatch/tendercrawl/internal/retry"
	"github.com/procurewatch/tendercrawl/internal/store"
	"github.com/procurewatch/tendercrawl/internal/tracelog"
)

// TraceRecorder persists navigation legs for offline replay. Optional.
type TraceRecorder interface {
	RecordLeg(ctx context.Context, leg tracelog.Leg) error
}

// Stores bundles the persistence surfaces a run writes to.
type Stores struct {
	Tenders     store.TenderStore
	Checkpoints store.CheckpointStore
	Documents   store.DocumentStore
}

// RunnerConfig tunes one runner; the zero value gets workable defaults.
type RunnerConfig struct {
	// PageLimit caps pages handled in one run, processed and skipped alike.
	// Zero means no limit.
	PageLimit int
	// ForceFullScan disables the early exit on consecutive pages that carry
	// only already-seen records.
	ForceFullScan bool
	// MaxConsecutiveSkips aborts the run once this many pages in a row fail
	// past their retry budget. Default 5.
	MaxConsecutiveSkips int
	// FlushTimeout bounds the final flush after the loop ends, which runs
	// even when the run context is already canceled. Default 30s.
	FlushTimeout time.Duration

	Detector  DetectorConfig
	Recovery  RecoveryConfig
	PageRetry retry.Policy
	Writer    store.BatchWriterConfig
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.MaxConsecutiveSkips <= 0 {
		c.MaxConsecutiveSkips = 5
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
	return c
}

// RunSummary reports what one run accomplished.
type RunSummary struct {
	RunID            string             `json:"run_id"`
	Target           portal.CrawlTarget `json:"target"`
	StartPage        int                `json:"start_page"`
	PagesProcessed   int                `json:"pages_processed"`
	PagesSkipped     int                `json:"pages_skipped"`
	RecordsSeen      int                `json:"records_seen"`
	NewRecords       int                `json:"new_records"`
	CorruptionEvents int                `json:"corruption_events"`
	Recoveries       int                `json:"recoveries"`
	Suspended        bool               `json:"suspended"`
	Elapsed          time.Duration      `json:"elapsed"`
}

// Runner executes crawl runs, one target at a time. Navigation within a
// target is strictly sequential; parallelism lives across targets in the
// Supervisor. Safe for concurrent Run calls on distinct targets.
type Runner struct {
	cfg     RunnerConfig
	factory portal.SessionFactory
	stores  Stores
	emitter progress.Emitter
	trace   TraceRecorder
	ids     *uuid.Generator
	logger  *zap.Logger
}

// NewRunner wires a runner. The emitter and trace recorder may be nil.
func NewRunner(
	cfg RunnerConfig,
	factory portal.SessionFactory,
	stores Stores,
	emitter progress.Emitter,
	trace TraceRecorder,
	logger *zap.Logger,
) (*Runner, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if stores.Tenders == nil || stores.Checkpoints == nil || stores.Documents == nil {
		return nil, errors.New("tender, checkpoint and document stores are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg.withDefaults(),
		factory: factory,
		stores:  stores,
		emitter: emitter,
		trace:   trace,
		ids:     uuid.New(),
		logger:  logger,
	}, nil
}

// Run crawls one target from its checkpoint until the listing is exhausted,
// the page limit trips, the context is canceled, or the target suspends.
// Cancellation is graceful: the in-flight page finishes, the buffer flushes,
// and the checkpoint reflects every committed page.
func (r *Runner) Run(ctx context.Context, target portal.CrawlTarget) (RunSummary, error) {
	summary := RunSummary{Target: target}
	if err := target.Validate(); err != nil {
		return summary, fmt.Errorf("validate target: %w", err)
	}
	runID, err := r.ids.NewID()
	if err != nil {
		return summary, err
	}
	summary.RunID = runID
	start := time.Now()
	logger := r.logger.With(zap.String("run_id", runID), zap.String("target", target.Key()))

	cp, err := r.stores.Checkpoints.Get(ctx, target)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cp = portal.Checkpoint{Target: target}
	case err != nil:
		return summary, fmt.Errorf("load checkpoint: %w", err)
	case cp.Suspended:
		summary.Suspended = true
		return summary, fmt.Errorf("target %s is suspended (%s), resume it first: %w",
			target.Key(), cp.SuspendedReason, ErrTargetSuspended)
	}
	summary.StartPage = cp.ResumePage()

	detector := NewDetector(r.cfg.Detector, target)
	recovery := NewRecoveryController(r.cfg.Recovery, r.factory, logger)
	writer := store.NewBatchWriter(r.cfg.Writer, r.stores.Tenders, r.stores.Documents,
		func(ctx context.Context, page, records int) error {
			// Checkpoint advancement is strictly monotonic.
			if page <= cp.LastGoodPage {
				return nil
			}
			cp.LastGoodPage = page
			cp.RecordsSeenOnLastGoodPage = records
			if err := r.stores.Checkpoints.Put(ctx, cp); err != nil {
				return fmt.Errorf("advance checkpoint: %w", err)
			}
			return nil
		}, logger)

	logger.Info("crawl run starting",
		zap.Int("start_page", summary.StartPage),
		zap.Int("prior_corruption_events", cp.CorruptionEventCount),
	)
	r.emit(progress.Event{
		RunID: runID, TS: time.Now().UTC(), Stage: progress.StageRunStart,
		Target: target.Key(), Category: string(target.Category), Page: summary.StartPage,
	})

	var sess portal.Session
	defer func() {
		if sess != nil {
			r.closeSession(context.WithoutCancel(ctx), sess)
		}
	}()

	seen := make(map[string]struct{})
	page := cp.ResumePage()
	dupStreak := 0
	skipStreak := 0
	recovered := false

	for {
		if ctx.Err() != nil {
			logger.Info("run canceled, checkpoint reflects committed pages")
			break
		}
		if r.cfg.PageLimit > 0 && summary.PagesProcessed+summary.PagesSkipped >= r.cfg.PageLimit {
			logger.Info("page limit reached", zap.Int("limit", r.cfg.PageLimit))
			break
		}

		legStart := time.Now()
		res, next, err := r.fetchPage(ctx, sess, target, page)
		sess = next
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, portal.ErrFilterRejected) {
				return summary, fmt.Errorf("fetch page %d: %w", page, err)
			}
			skipStreak++
			summary.PagesSkipped++
			metrics.ObservePage(string(target.Category), "skipped", time.Since(legStart))
			logger.Warn("page fetch failed past retry budget, skipping",
				zap.Int("page", page), zap.Error(err))
			if skipStreak >= r.cfg.MaxConsecutiveSkips {
				return summary, fmt.Errorf("%d consecutive pages failed, aborting run: %w",
					skipStreak, err)
			}
			page++
			continue
		}
		skipStreak = 0
		if res.FetchedAt.IsZero() {
			res.FetchedAt = time.Now().UTC()
		}

		sightings := r.normalize(res, target, logger)
		verdict := detector.Observe(res, sightings)
		r.recordLeg(ctx, runID, target, res, verdict, recovered, logger)
		recovered = false

		if verdict.Corrupted {
			summary.CorruptionEvents++
			// Commit buffered good pages first so resume lands on the
			// corrupt page, never behind it.
			if err := writer.Flush(ctx); err != nil {
				return summary, fmt.Errorf("flush before recovery: %w", err)
			}
			cp.CorruptionEventCount++
			if err := r.stores.Checkpoints.Put(ctx, cp); err != nil {
				return summary, fmt.Errorf("record corruption event: %w", err)
			}
			logger.Warn("filter corruption detected",
				zap.Int("page", page),
				zap.String("reason", verdict.Reason),
				zap.Int("corruption_events", cp.CorruptionEventCount),
			)
			r.emit(progress.Event{
				RunID: runID, TS: time.Now().UTC(), Stage: progress.StageCorruption,
				Target: target.Key(), Category: string(target.Category),
				Page: page, Note: verdict.Reason,
			})

			if sess != nil {
				r.closeSession(ctx, sess)
				sess = nil
			}
			fresh, rerr := recovery.Recover(ctx, target)
			if rerr != nil {
				if errors.Is(rerr, ErrRecoveryExhausted) {
					return r.suspend(ctx, summary, cp, verdict.Reason, start, logger)
				}
				return summary, rerr
			}
			sess = fresh
			summary.Recoveries++
			recovered = true
			r.emit(progress.Event{
				RunID: runID, TS: time.Now().UTC(), Stage: progress.StageRecovery,
				Target: target.Key(), Category: string(target.Category), Page: page,
				Note: fmt.Sprintf("attempt %d of %d", recovery.Attempts(), r.cfg.Recovery.withDefaults().MaxAttempts),
			})
			continue // same page again through the rebuilt session
		}

		recovery.NoteGoodPage()

		newIDs := 0
		for _, s := range sightings {
			if _, ok := seen[s.TenderID]; !ok {
				seen[s.TenderID] = struct{}{}
				newIDs++
			}
		}
		refs, err := r.documentRefs(sightings, res.FetchedAt)
		if err != nil {
			return summary, err
		}
		if err := writer.Add(ctx, res.Page, sightings, refs); err != nil {
			return summary, fmt.Errorf("buffer page %d: %w", res.Page, err)
		}
		summary.PagesProcessed++
		summary.RecordsSeen += len(sightings)
		summary.NewRecords += newIDs
		r.emit(progress.Event{
			RunID: runID, TS: time.Now().UTC(), Stage: progress.StagePageDone,
			Target: target.Key(), Category: string(target.Category),
			Page: res.Page, Records: len(sightings), Dur: time.Since(legStart),
		})

		if len(sightings) > 0 && newIDs == 0 {
			dupStreak++
		} else {
			dupStreak = 0
		}
		if !res.HasMore {
			logger.Info("listing exhausted", zap.Int("last_page", res.Page))
			break
		}
		if dupStreak >= 2 && !r.cfg.ForceFullScan {
			logger.Info("consecutive pages brought no new records, ending run early",
				zap.Int("page", res.Page))
			break
		}
		page++
	}

	// The final flush must run even on a canceled context so the in-flight
	// page is not lost.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
	defer cancel()
	if err := writer.Flush(flushCtx); err != nil {
		return summary, fmt.Errorf("final flush: %w", err)
	}
	summary.Elapsed = time.Since(start)
	logger.Info("crawl run finished",
		zap.Int("pages", summary.PagesProcessed),
		zap.Int("pages_skipped", summary.PagesSkipped),
		zap.Int("records", summary.RecordsSeen),
		zap.Int("new_records", summary.NewRecords),
		zap.Int("corruption_events", summary.CorruptionEvents),
		zap.Duration("elapsed", summary.Elapsed),
	)
	r.emit(progress.Event{
		RunID: runID, TS: time.Now().UTC(), Stage: progress.StageRunDone,
		Target: target.Key(), Category: string(target.Category),
		Records: summary.RecordsSeen, Dur: summary.Elapsed,
	})
	return summary, ctx.Err()
}

// fetchPage navigates to and extracts one listing page under the page retry
// policy. The session opens lazily and reopens when the automation context
// crashes mid-attempt. Modal targets re-assert the filter on every leg
// because the dialog's selection is server-side session state the URL does
// not carry.
func (r *Runner) fetchPage(ctx context.Context, sess portal.Session, target portal.CrawlTarget, page int) (portal.PageResult, portal.Session, error) {
	handle := func(ctx context.Context, err error) error {
		if errors.Is(err, portal.ErrSessionCrashed) && sess != nil {
			r.closeSession(ctx, sess)
			sess = nil
		}
		return sessionErr(err)
	}

	policy := r.cfg.PageRetry
	policy.OnRetry = retry.LogRetries(r.logger, fmt.Sprintf("fetch page %d", page))
	res, err := retry.DoVal(ctx, policy, func(ctx context.Context) (portal.PageResult, error) {
		if sess == nil {
			fresh, err := openFilteredSession(ctx, r.factory, target, r.logger)
			if err != nil {
				return portal.PageResult{}, err
			}
			sess = fresh
		}
		if target.Mode == portal.FilterModeModal {
			if err := sess.ApplyFilter(ctx, target); err != nil {
				return portal.PageResult{}, handle(ctx, fmt.Errorf("re-assert filter: %w", err))
			}
		}
		if err := sess.NavigateToPage(ctx, page); err != nil {
			return portal.PageResult{}, handle(ctx, fmt.Errorf("navigate to page %d: %w", page, err))
		}
		res, err := sess.ExtractPage(ctx)
		if err != nil {
			return portal.PageResult{}, handle(ctx, fmt.Errorf("extract page %d: %w", page, err))
		}
		return res, nil
	})
	return res, sess, err
}

// normalize converts raw rows, dropping only rows without a tender ID; a
// page that fails to parse wholesale surfaces as a permanent extract error
// instead.
func (r *Runner) normalize(res portal.PageResult, target portal.CrawlTarget, logger *zap.Logger) []portal.PartialRecord {
	sightings := make([]portal.PartialRecord, 0, len(res.Records))
	for _, raw := range res.Records {
		if strings.TrimSpace(raw.TenderID) == "" {
			logger.Debug("dropping row without tender id",
				zap.Int("page", res.Page), zap.String("title", raw.Title))
			continue
		}
		sightings = append(sightings, portal.Normalize(raw, target.Category, res.FetchedAt))
	}
	return sightings
}

// documentRefs builds pending refs for every document link discovered on
// the page. The decoupled document pipeline picks them up from the store.
func (r *Runner) documentRefs(sightings []portal.PartialRecord, fetchedAt time.Time) ([]portal.DocumentRef, error) {
	var refs []portal.DocumentRef
	for _, s := range sightings {
		for _, link := range s.Documents {
			if strings.TrimSpace(link.URL) == "" {
				continue
			}
			id, err := r.ids.NewID()
			if err != nil {
				return nil, err
			}
			refs = append(refs, portal.DocumentRef{
				DocID:           id,
				TenderID:        s.TenderID,
				RemoteLocation:  link.URL,
				Label:           link.Label,
				RequiresSession: link.RequiresSession,
				Status:          portal.ExtractionPending,
				CreatedAt:       fetchedAt,
				UpdatedAt:       fetchedAt,
			})
		}
	}
	return refs, nil
}

func (r *Runner) suspend(ctx context.Context, summary RunSummary, cp portal.Checkpoint, reason string, start time.Time, logger *zap.Logger) (RunSummary, error) {
	if err := r.stores.Checkpoints.Suspend(ctx, cp.Target, reason); err != nil {
		return summary, fmt.Errorf("suspend target: %w", err)
	}
	summary.Suspended = true
	summary.Elapsed = time.Since(start)
	logger.Error("target suspended after repeated corruption",
		zap.String("reason", reason),
		zap.Int("corruption_events", cp.CorruptionEventCount),
	)
	r.emit(progress.Event{
		RunID: summary.RunID, TS: time.Now().UTC(), Stage: progress.StageRunSuspended,
		Target: cp.Target.Key(), Category: string(cp.Target.Category),
		Dur: summary.Elapsed, Note: reason,
	})
	return summary, fmt.Errorf("target %s: %s: %w", cp.Target.Key(), reason, ErrTargetSuspended)
}

func (r *Runner) recordLeg(ctx context.Context, runID string, target portal.CrawlTarget, res portal.PageResult, verdict Verdict, recovered bool, logger *zap.Logger) {
	if r.trace == nil {
		return
	}
	err := r.trace.RecordLeg(ctx, tracelog.Leg{
		RunID:       runID,
		Target:      target.Key(),
		Page:        res.Page,
		Fingerprint: res.Fingerprint,
		RecordCount: len(res.Records),
		RecordIDs:   res.RecordIDs(),
		Corrupted:   verdict.Corrupted,
		Reason:      verdict.Reason,
		Recovery:    recovered,
		TS:          res.FetchedAt,
	})
	if err != nil {
		logger.Warn("trace leg not recorded", zap.Error(err))
	}
}

func (r *Runner) emit(evt progress.Event) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(evt)
}

func (r *Runner) closeSession(ctx context.Context, sess portal.Session) {
	if err := sess.Close(ctx); err != nil {
		r.logger.Warn("session close failed", zap.Error(err))
	}
}
