// Package docpipe processes discovered document references: fetch, archive,
// validate, extract text, embed, persist. It runs decoupled from the page
// navigator; the documents table is the only coupling between the two, so a
// slow extraction backlog never stalls listing traversal.
package docpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procurewatch/tendercrawl/internal/blob"
	"github.com/procurewatch/tendercrawl/internal/clock/system"
	"github.com/procurewatch/tendercrawl/internal/hash/sha256"
	"github.com/procurewatch/tendercrawl/internal/id/uuid"
	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/progress"
	"github.com/procurewatch/tendercrawl/internal/retry"
	"github.com/procurewatch/tendercrawl/internal/store"
)

// Fetcher downloads a document over plain HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// GatedFetcher downloads documents that are only reachable from inside a
// live portal session.
type GatedFetcher interface {
	FetchDocument(ctx context.Context, remoteLocation string) ([]byte, string, error)
}

// Embedder turns extracted text into vectors, one per input, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Hasher digests payloads for archive keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock supplies the pipeline's notion of now. Tests pin it.
type Clock interface {
	Now() time.Time
}

// Config controls pool width and retry scheduling.
type Config struct {
	Workers      int
	ClaimBatch   int
	PollInterval time.Duration
	FetchTimeout time.Duration
	// MaxAttempts caps fetch+extract attempts per document before it is
	// marked permanently failed.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxSizeMB bounds a single payload. Oversized documents fail
	// permanently; refetching will not shrink them.
	MaxSizeMB  int
	BlobPrefix string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 64
	}
	return c
}

// Deps bundles the pipeline's collaborators. Docs and Fetcher are required.
// Gated, Archive, Embed and Emitter may be nil: gated documents then fail
// permanently, payloads are not archived, no vectors are produced, and no
// progress events leave the pipeline.
type Deps struct {
	Docs    store.DocumentStore
	Fetcher Fetcher
	Gated   GatedFetcher
	Archive blob.Provider
	Extract *Extractor
	Embed   Embedder
	Emitter progress.Emitter
	Hasher  Hasher
	Clock   Clock
}

// Pipeline drains the pending-document queue with a bounded worker pool.
type Pipeline struct {
	cfg     Config
	docs    store.DocumentStore
	fetcher Fetcher
	gated   GatedFetcher
	archive blob.Provider
	extract *Extractor
	embed   Embedder
	emitter progress.Emitter
	hasher  Hasher
	clock   Clock
	ids     *uuid.Generator
	logger  *zap.Logger
}

// New wires a pipeline. Optional dependencies fall back to no-op or system
// defaults.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Docs == nil {
		return nil, errors.New("docpipe: document store required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("docpipe: fetcher required")
	}
	if deps.Extract == nil {
		deps.Extract = NewExtractor(ExtractorConfig{})
	}
	if deps.Archive == nil {
		deps.Archive = blob.Noop{}
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		docs:    deps.Docs,
		fetcher: deps.Fetcher,
		gated:   deps.Gated,
		archive: deps.Archive,
		extract: deps.Extract,
		embed:   deps.Embed,
		emitter: deps.Emitter,
		hasher:  deps.Hasher,
		clock:   deps.Clock,
		ids:     uuid.New(),
		logger:  logger,
	}, nil
}

// Run processes the queue until ctx is canceled. A clean cancellation
// returns nil; claims held by in-flight workers expire back into the queue.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.work(ctx, false)
}

// Drain processes until no document is due, then returns. Used by the
// one-shot documents command.
func (p *Pipeline) Drain(ctx context.Context) error {
	return p.work(ctx, true)
}

func (p *Pipeline) work(ctx context.Context, drain bool) error {
	runID, err := p.ids.NewID()
	if err != nil {
		return err
	}
	p.logger.Info("document pipeline starting",
		zap.String("run_id", runID),
		zap.Int("workers", p.cfg.Workers),
		zap.Bool("drain", drain),
	)

	stopGauge := make(chan struct{})
	gaugeDone := make(chan struct{})
	go func() {
		defer close(gaugeDone)
		p.gaugeLoop(ctx, stopGauge)
	}()

	var g errgroup.Group
	for range p.cfg.Workers {
		g.Go(func() error {
			return p.worker(ctx, runID, drain)
		})
	}
	err = g.Wait()
	close(stopGauge)
	<-gaugeDone

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) worker(ctx context.Context, runID string, drain bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		refs, err := p.docs.ClaimDue(ctx, p.clock.Now(), p.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("claim documents failed", zap.Error(err))
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if len(refs) == 0 {
			if drain {
				return nil
			}
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		for _, ref := range refs {
			p.processDoc(ctx, runID, ref)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

type docResult struct {
	text   string
	vector []float32
	uri    string
}

func (p *Pipeline) processDoc(ctx context.Context, runID string, ref portal.DocumentRef) {
	log := p.logger.With(
		zap.String("doc_id", ref.DocID),
		zap.String("tender_id", ref.TenderID),
		zap.String("location", ref.RemoteLocation),
	)
	start := time.Now()

	res, err := p.handle(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-document. The claim expires back into the queue
			// without burning an attempt.
			return
		}
		p.failOrRetry(ctx, runID, ref, err, log)
		return
	}

	if err := p.docs.MarkSuccess(ctx, ref.DocID, res.text, res.vector, res.uri); err != nil {
		log.Error("finalize document failed", zap.Error(err))
		return
	}
	log.Info("document processed",
		zap.Int("text_chars", len(res.text)),
		zap.String("archive_uri", res.uri),
		zap.Duration("dur", time.Since(start)),
	)
	p.emit(progress.Event{
		RunID: runID, TS: time.Now().UTC(), Stage: progress.StageDocDone,
		Dur: time.Since(start), Note: ref.DocID,
	})
}

func (p *Pipeline) handle(ctx context.Context, ref portal.DocumentRef) (docResult, error) {
	payload, contentType, err := p.fetch(ctx, ref)
	if err != nil {
		return docResult{}, fmt.Errorf("fetch: %w", err)
	}
	metrics.ObserveDocumentFetch(ref.RemoteLocation, len(payload))

	if limit := p.cfg.MaxSizeMB * 1024 * 1024; len(payload) > limit {
		return docResult{}, retry.MarkPermanent(
			fmt.Errorf("payload is %d bytes, cap is %dMB", len(payload), p.cfg.MaxSizeMB))
	}
	if contentType == "" {
		contentType = ref.ContentType
	}

	uri, err := p.archivePayload(ctx, ref, payload, contentType)
	if err != nil {
		return docResult{}, fmt.Errorf("archive: %w", err)
	}

	extractStart := time.Now()
	text, err := p.extract.Extract(ctx, payload, contentType)
	if err != nil {
		return docResult{}, fmt.Errorf("extract: %w", err)
	}
	metrics.ObserveExtraction(time.Since(extractStart))

	var vector []float32
	if p.embed != nil && strings.TrimSpace(text) != "" {
		embedStart := time.Now()
		vectors, err := p.embed.EmbedBatch(ctx, []string{truncateForEmbedding(text)})
		if err != nil {
			return docResult{}, retry.MarkTransient(fmt.Errorf("embed: %w", err), 0)
		}
		if len(vectors) > 0 {
			vector = vectors[0]
		}
		metrics.ObserveEmbedding(time.Since(embedStart))
	}

	return docResult{text: text, vector: vector, uri: uri}, nil
}

func (p *Pipeline) fetch(ctx context.Context, ref portal.DocumentRef) ([]byte, string, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	if ref.RequiresSession {
		if p.gated == nil {
			return nil, "", retry.MarkPermanent(errors.New("document requires a session but no session fetcher is configured"))
		}
		return p.gated.FetchDocument(fctx, ref.RemoteLocation)
	}
	return p.fetcher.Fetch(fctx, ref.RemoteLocation)
}

func (p *Pipeline) archivePayload(ctx context.Context, ref portal.DocumentRef, payload []byte, contentType string) (string, error) {
	digest, err := p.hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	key := p.archiveKey(ref.TenderID, digest, extensionFor(contentType))
	uri, err := p.archive.Put(ctx, key, contentType, bytes.NewReader(payload))
	if err != nil {
		return "", retry.MarkTransient(fmt.Errorf("put %s: %w", key, err), 0)
	}
	return uri, nil
}

// archiveKey mirrors the tender hierarchy in the archive. Keying by digest
// lands a refetch of identical bytes on the same object.
func (p *Pipeline) archiveKey(tenderID, digest, ext string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s%s", tenderID, digest, ext)
	}
	return fmt.Sprintf("%s/%s/%s%s", prefix, tenderID, digest, ext)
}

func (p *Pipeline) failOrRetry(ctx context.Context, runID string, ref portal.DocumentRef, cause error, log *zap.Logger) {
	attempts := ref.Attempts + 1
	if retry.IsPermanent(cause) || attempts >= p.cfg.MaxAttempts {
		if err := p.docs.MarkFailed(ctx, ref.DocID, cause.Error()); err != nil {
			log.Error("record permanent failure failed", zap.Error(err))
			return
		}
		log.Warn("document permanently failed",
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		p.emit(progress.Event{
			RunID: runID, TS: time.Now().UTC(), Stage: progress.StageDocFailed,
			Note: fmt.Sprintf("%s: %s", ref.DocID, cause.Error()),
		})
		return
	}

	next := p.clock.Now().Add(backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts))
	if err := p.docs.MarkRetry(ctx, ref.DocID, attempts, next, cause.Error()); err != nil {
		log.Error("schedule retry failed", zap.Error(err))
		return
	}
	metrics.ObserveDocument("retry")
	log.Debug("document retry scheduled",
		zap.Int("attempts", attempts),
		zap.Time("next_attempt", next),
		zap.Error(cause),
	)
}

// backoffDelay doubles per attempt from base, capped at ceil.
func backoffDelay(base, ceil time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	return d
}

// maxEmbedRunes bounds embedding input length; provider token ceilings sit
// well below typical tender-document sizes.
const maxEmbedRunes = 8000

func truncateForEmbedding(text string) string {
	runes := []rune(text)
	if len(runes) <= maxEmbedRunes {
		return text
	}
	return string(runes[:maxEmbedRunes])
}

func extensionFor(contentType string) string {
	media, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(media)) {
	case "application/pdf":
		return ".pdf"
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

func (p *Pipeline) gaugeLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.updateQueueGauge(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.updateQueueGauge(ctx)
		}
	}
}

func (p *Pipeline) updateQueueGauge(ctx context.Context) {
	counts, err := p.docs.CountByStatus(ctx)
	if err != nil {
		return
	}
	metrics.SetPendingDocuments(counts[portal.ExtractionPending] + counts[portal.ExtractionRetryScheduled])
}

func (p *Pipeline) emit(evt progress.Event) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(evt)
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
