// Package app builds and holds the long-lived services every command runs
// on: logger, stores, blob archive, publisher, governor, browser factory,
// progress hub, document pipeline and crawl supervisor. Provider selection
// happens here and nowhere else; commands only consume wired services.
package app

import (
	"context"
	"errors"
	"fmt"

	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/blob"
	gcsblob "github.com/procurewatch/tendercrawl/internal/blob/gcs"
	localblob "github.com/procurewatch/tendercrawl/internal/blob/local"
	"github.com/procurewatch/tendercrawl/internal/browser"
	"github.com/procurewatch/tendercrawl/internal/config"
	"github.com/procurewatch/tendercrawl/internal/crawl"
	"github.com/procurewatch/tendercrawl/internal/docpipe"
	"github.com/procurewatch/tendercrawl/internal/governor"
	"github.com/procurewatch/tendercrawl/internal/logging"
	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/progress"
	"github.com/procurewatch/tendercrawl/internal/progress/sinks"
	"github.com/procurewatch/tendercrawl/internal/publisher"
	memorypublisher "github.com/procurewatch/tendercrawl/internal/publisher/memory"
	pubsubpublisher "github.com/procurewatch/tendercrawl/internal/publisher/pubsub"
	"github.com/procurewatch/tendercrawl/internal/store"
	memorystore "github.com/procurewatch/tendercrawl/internal/store/memory"
	pgstore "github.com/procurewatch/tendercrawl/internal/store/postgres"
	"github.com/procurewatch/tendercrawl/internal/tracelog"
)

// App is the dependency container shared by all commands. Build it once with
// New, tear it down with Close.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	gcsClient *gstorage.Client

	stores   crawl.Stores
	archive  blob.Provider
	pub      publisher.Provider
	gov      *governor.Governor
	factory  *browser.Factory
	trace    *tracelog.Recorder
	hub      *progress.Hub
	pipeline *docpipe.Pipeline
	sup      *crawl.Supervisor
	crawls   *crawl.Service
}

// New initializes every service the config selects, failing fast on the
// first one that cannot start. A partially built container is torn down
// before the error returns.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger, err := logging.New(cfg.Env == "development")
	if err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("env", cfg.Env),
		zap.String("database", cfg.Database.Provider),
		zap.String("blob", cfg.Blob.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
		zap.Bool("trace", cfg.Trace.Enabled),
		zap.Bool("embedding", cfg.Embedding.Enabled),
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Stores hold checkpoints, tenders and the document queue. The memory
	// provider serves tests and one-shot local runs; state is lost on exit.
	switch cfg.Database.Provider {
	case "postgres":
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		a.pool = pool
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		tenders, err := pgstore.NewTenderStore(pool)
		if err != nil {
			return err
		}
		checkpoints, err := pgstore.NewCheckpointStore(pool)
		if err != nil {
			return err
		}
		documents, err := pgstore.NewDocumentStore(pool)
		if err != nil {
			return err
		}
		a.stores = crawl.Stores{Tenders: tenders, Checkpoints: checkpoints, Documents: documents}
	case "memory":
		a.stores = crawl.Stores{
			Tenders:     memorystore.NewTenderStore(),
			Checkpoints: memorystore.NewCheckpointStore(),
			Documents:   memorystore.NewDocumentStore(),
		}
		logger.Warn("using in-memory stores; all state is lost on exit")
	default:
		return fmt.Errorf("unknown database provider %q", cfg.Database.Provider)
	}

	// The archive keeps raw document payloads so a failed extraction can be
	// replayed without refetching from the portal.
	switch cfg.Blob.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize gcs client: %w", err)
		}
		a.gcsClient = client
		archive, err := gcsblob.New(client, gcsblob.Config{Bucket: cfg.Blob.Bucket})
		if err != nil {
			return fmt.Errorf("initialize blob archive: %w", err)
		}
		a.archive = archive
	case "local":
		archive, err := localblob.New(localblob.Config{BaseDir: cfg.Blob.LocalDir})
		if err != nil {
			return fmt.Errorf("initialize blob archive: %w", err)
		}
		a.archive = archive
	case "noop":
		a.archive = blob.Noop{}
	default:
		return fmt.Errorf("unknown blob provider %q", cfg.Blob.Provider)
	}

	// The publisher carries integration events to downstream consumers.
	switch cfg.Publisher.Provider {
	case "pubsub":
		pub, err := pubsubpublisher.New(ctx, cfg.Publisher.ProjectID, logger)
		if err != nil {
			return fmt.Errorf("initialize publisher: %w", err)
		}
		a.pub = pub
	case "memory":
		a.pub = memorypublisher.New()
	case "noop":
		a.pub = publisher.Noop{}
	default:
		return fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}

	gov, err := governor.New(governor.Config{
		MemoryCeilingMB:      cfg.Governor.MemoryCeilingMB,
		ContextFootprintMB:   cfg.Governor.ContextFootprintMB,
		MaxLeases:            cfg.Governor.MaxLeases,
		SafetyMarginFraction: cfg.Governor.SafetyMarginFraction,
		WatermarkFraction:    cfg.Governor.WatermarkFraction,
		SampleInterval:       cfg.Governor.SampleInterval,
		EvictAfterBreaches:   cfg.Governor.EvictAfterBreaches,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize governor: %w", err)
	}
	a.gov = gov

	factory, err := browser.NewFactory(browser.Config{
		BaseURL:          cfg.Portal.BaseURL,
		UserAgent:        cfg.Portal.UserAgent,
		Headless:         cfg.Portal.Headless,
		NavigateTimeout:  cfg.Portal.NavigateTimeout,
		OperationTimeout: cfg.Portal.OperationTimeout,
		RequestsPerSec:   cfg.Portal.RequestsPerSec,
		Burst:            cfg.Portal.Burst,
	}, gov, logger)
	if err != nil {
		return fmt.Errorf("initialize browser factory: %w", err)
	}
	a.factory = factory

	if cfg.Trace.Enabled {
		trace, err := tracelog.Open(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("initialize trace recorder: %w", err)
		}
		a.trace = trace
		if n, err := trace.Prune(ctx, cfg.Trace.Retention); err != nil {
			logger.Warn("trace prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned trace rows", zap.Int64("rows", n))
		}
	}

	hub, err := a.buildHub()
	if err != nil {
		return err
	}
	a.hub = hub

	pipeline, err := a.buildPipeline()
	if err != nil {
		return err
	}
	a.pipeline = pipeline

	runner, err := crawl.NewRunner(crawl.RunnerConfig{
		PageLimit:           cfg.Crawl.PageLimit,
		ForceFullScan:       cfg.Crawl.ForceFullScan,
		MaxConsecutiveSkips: cfg.Crawl.MaxConsecutiveSkips,
		FlushTimeout:        cfg.Crawl.FlushTimeout,
		Detector:            crawl.DetectorConfig{WindowSize: cfg.Crawl.DetectionWindow},
		Recovery: crawl.RecoveryConfig{
			MaxAttempts:  cfg.Crawl.RecoveryCap,
			SessionRetry: cfg.Crawl.Retry.Policy(),
		},
		PageRetry: cfg.Crawl.Retry.Policy(),
		Writer: store.BatchWriterConfig{
			MaxRecords: cfg.Crawl.BatchMaxRecords,
			MaxAge:     cfg.Crawl.BatchMaxAge,
		},
	}, factory, a.stores, hub, a.trace, logger)
	if err != nil {
		return fmt.Errorf("initialize runner: %w", err)
	}

	sup, err := crawl.NewSupervisor(crawl.SupervisorConfig{
		MaxConcurrentTargets: cfg.Crawl.MaxConcurrentTargets,
	}, runner, logger)
	if err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}
	a.sup = sup

	crawls, err := crawl.NewService(sup, logger)
	if err != nil {
		return fmt.Errorf("initialize crawl service: %w", err)
	}
	a.crawls = crawls
	return nil
}

// buildHub assembles the progress hub over every sink the config enables.
// Log and prometheus sinks are always on; the store sink needs the trace
// recorder and the publisher sink a non-noop publisher with a topic.
func (a *App) buildHub() (*progress.Hub, error) {
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger)}

	prom, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize prometheus sink: %w", err)
	}
	sinkList = append(sinkList, prom)

	if a.trace != nil {
		storeSink, err := sinks.NewStoreSink(a.trace)
		if err != nil {
			return nil, fmt.Errorf("initialize store sink: %w", err)
		}
		sinkList = append(sinkList, storeSink)
	}

	if a.cfg.Publisher.Provider != "noop" && a.cfg.Publisher.Topic != "" {
		pubSink, err := sinks.NewPublisherSink(a.pub, a.cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("initialize publisher sink: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}

	return progress.NewHub(progress.Config{
		Buffer:        a.cfg.Progress.Buffer,
		BatchSize:     a.cfg.Progress.BatchSize,
		FlushInterval: a.cfg.Progress.FlushInterval,
		SinkTimeout:   a.cfg.Progress.SinkTimeout,
		Logger:        a.logger,
	}, sinkList...), nil
}

func (a *App) buildPipeline() (*docpipe.Pipeline, error) {
	cfg := a.cfg
	deps := docpipe.Deps{
		Docs: a.stores.Documents,
		Fetcher: docpipe.NewCollyFetcher(docpipe.CollyConfig{
			UserAgent: cfg.Portal.UserAgent,
			Timeout:   cfg.Documents.FetchTimeout,
		}),
		Gated:   a.factory,
		Archive: a.archive,
		Extract: docpipe.NewExtractor(docpipe.ExtractorConfig{
			PdftotextPath: cfg.Documents.PdftotextPath,
		}),
		Emitter: a.hub,
	}
	if cfg.Embedding.Enabled {
		embedder, err := docpipe.NewEmbedClient(docpipe.EmbedConfig{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			BatchSize:  cfg.Embedding.BatchSize,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize embed client: %w", err)
		}
		deps.Embed = embedder
	}

	pipeline, err := docpipe.New(docpipe.Config{
		Workers:      cfg.Documents.Workers,
		ClaimBatch:   cfg.Documents.ClaimBatch,
		PollInterval: cfg.Documents.PollInterval,
		FetchTimeout: cfg.Documents.FetchTimeout,
		MaxAttempts:  cfg.Documents.MaxAttempts,
		BackoffBase:  cfg.Documents.BackoffBase,
		BackoffMax:   cfg.Documents.BackoffMax,
		MaxSizeMB:    cfg.Documents.MaxSizeMB,
		BlobPrefix:   cfg.Blob.Prefix,
	}, deps, a.logger)
	if err != nil {
		return nil, fmt.Errorf("initialize document pipeline: %w", err)
	}
	return pipeline, nil
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Stores exposes the persistence surfaces.
func (a *App) Stores() crawl.Stores { return a.stores }

// Governor exposes the automation-context governor.
func (a *App) Governor() *governor.Governor { return a.gov }

// Hub exposes the progress hub.
func (a *App) Hub() *progress.Hub { return a.hub }

// Trace returns the trace recorder, nil when tracing is disabled.
func (a *App) Trace() *tracelog.Recorder { return a.trace }

// Pipeline exposes the document pipeline.
func (a *App) Pipeline() *docpipe.Pipeline { return a.pipeline }

// Supervisor exposes the blocking crawl supervisor for CLI runs.
func (a *App) Supervisor() *crawl.Supervisor { return a.sup }

// Crawls exposes the background crawl service for the API.
func (a *App) Crawls() *crawl.Service { return a.crawls }

// Close tears services down in reverse build order: background crawls stop
// first so their final events still reach the hub, the hub drains into its
// sinks, then sessions, the publisher and connections go. Safe on a
// partially built container.
func (a *App) Close(ctx context.Context) {
	logger := a.logger
	logger.Info("shutting down application services")

	if a.crawls != nil {
		a.crawls.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.factory != nil {
		a.factory.Close()
	}
	if a.gov != nil {
		a.gov.Close()
	}
	if a.trace != nil {
		if err := a.trace.Close(); err != nil {
			logger.Warn("trace recorder close failed", zap.Error(err))
		}
	}
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	// Sync can fail on stderr; logging may itself be the broken part.
	_ = logger.Sync()
}
