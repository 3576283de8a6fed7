// Package browser drives the procurement portal through headless Chrome.
// A Factory owns one ExecAllocator; every Open boots a dedicated browser
// under a governor lease, so an eviction tears down exactly one session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/governor"
	"github.com/procurewatch/tendercrawl/internal/portal"
)

// Config controls the headless browser pool.
type Config struct {
	// BaseURL is the portal listing page all sessions land on.
	BaseURL string
	// UserAgent overrides Chrome's default when non-empty.
	UserAgent string
	// Headless runs Chrome without a display. Off is only useful for
	// watching a session during selector work.
	Headless bool
	// NavigateTimeout bounds full page loads, OperationTimeout everything
	// else (dialog driving, extraction, in-page downloads).
	NavigateTimeout  time.Duration
	OperationTimeout time.Duration
	// RequestsPerSec and Burst feed the per-host politeness limiter.
	// Zero RequestsPerSec disables limiting.
	RequestsPerSec float64
	Burst          int
}

func (c Config) withDefaults() Config {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 45 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Factory implements portal.SessionFactory on chromedp.
type Factory struct {
	cfg         Config
	gov         *governor.Governor
	limiter     *hostLimiter
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewFactory validates cfg and prepares the Chrome allocator. No browser
// starts until the first Open.
func NewFactory(cfg Config, gov *governor.Governor, logger *zap.Logger) (*Factory, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("browser: base URL required")
	}
	if gov == nil {
		return nil, errors.New("browser: governor required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Factory{
		cfg:         cfg,
		gov:         gov,
		limiter:     newHostLimiter(cfg.RequestsPerSec, cfg.Burst),
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator, killing any browsers still alive.
func (f *Factory) Close() {
	f.allocCancel()
}

// Open acquires a governor lease and boots a fresh browser for the target.
// Blocks until the governor grants capacity or ctx is done. The returned
// session has no filter applied yet.
func (f *Factory) Open(ctx context.Context, target portal.CrawlTarget) (portal.Session, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s, err := f.open(ctx, target, f.logger.With(zap.String("target", target.Key())))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FetchDocument downloads one session-gated document with a throwaway
// browser. The document pipeline uses this for refs flagged as requiring a
// session; the listing shell is visited first so the portal's cookies exist
// before the in-page fetch.
func (f *Factory) FetchDocument(ctx context.Context, remoteLocation string) ([]byte, string, error) {
	s, err := f.open(ctx, portal.CrawlTarget{}, f.logger.With(zap.String("doc", remoteLocation)))
	if err != nil {
		return nil, "", fmt.Errorf("fetch document: %w", err)
	}
	defer func() {
		_ = s.Close(context.WithoutCancel(ctx))
	}()

	if err := s.ensureLanded(ctx); err != nil {
		return nil, "", err
	}
	return s.FetchDocument(ctx, remoteLocation)
}

func (f *Factory) open(ctx context.Context, target portal.CrawlTarget, logger *zap.Logger) (*session, error) {
	lease, err := f.gov.Acquire(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	browserCtx, browserCancel := chromedp.NewContext(f.allocator)
	meta := newPageMeta()
	chromedp.ListenTarget(browserCtx, meta.captureEvent)

	bootCtx, cancelBoot := context.WithTimeout(browserCtx, f.cfg.NavigateTimeout)
	defer cancelBoot()
	if err := chromedp.Run(bootCtx, f.networkSetup()); err != nil {
		browserCancel()
		f.gov.Release(lease)
		return nil, fmt.Errorf("boot automation context: %w", err)
	}

	s := &session{
		cfg:     f.cfg,
		target:  target,
		lease:   lease,
		gov:     f.gov,
		limiter: f.limiter,
		logger:  logger.With(zap.String("lease", lease.ID)),
		ctx:     browserCtx,
		cancel:  browserCancel,
		meta:    meta,
	}
	lease.OnEvict(func() {
		s.logger.Warn("governor evicted session")
		browserCancel()
	})
	s.logger.Debug("session opened")
	return s, nil
}

func (f *Factory) networkSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
