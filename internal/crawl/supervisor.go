package crawl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

// TargetRunner runs one target to completion. *Runner implements it.
type TargetRunner interface {
	Run(ctx context.Context, target portal.CrawlTarget) (RunSummary, error)
}

// SupervisorConfig bounds cross-target parallelism.
type SupervisorConfig struct {
	// MaxConcurrentTargets caps simultaneously crawling targets. The
	// governor still bounds total live sessions; this cap keeps target
	// scheduling fair. Default 2.
	MaxConcurrentTargets int
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.MaxConcurrentTargets <= 0 {
		c.MaxConcurrentTargets = 2
	}
	return c
}

// Supervisor fans crawl runs out across targets. Targets fail independently:
// a suspension or error on one never cancels its siblings.
type Supervisor struct {
	cfg    SupervisorConfig
	runner TargetRunner
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewSupervisor builds a supervisor over the given runner.
func NewSupervisor(cfg SupervisorConfig, runner TargetRunner, logger *zap.Logger) (*Supervisor, error) {
	if runner == nil {
		return nil, errors.New("target runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		runner:  runner,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// RunAll crawls every target, at most MaxConcurrentTargets at a time, and
// returns one summary per started run. The joined error reports every
// failed target after all runs finish; context cancellation drains runs
// gracefully and is not reported as a failure. Duplicate target keys are
// dropped because a checkpoint admits exactly one concurrent owner.
func (s *Supervisor) RunAll(ctx context.Context, targets []portal.CrawlTarget) ([]RunSummary, error) {
	unique := make([]portal.CrawlTarget, 0, len(targets))
	known := make(map[string]bool, len(targets))
	for _, target := range targets {
		key := target.Key()
		if known[key] {
			s.logger.Warn("dropping duplicate target", zap.String("target", key))
			continue
		}
		known[key] = true
		unique = append(unique, target)
	}

	// No errgroup.WithContext here: sibling targets must keep running when
	// one fails.
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrentTargets)
	summaries := make([]RunSummary, len(unique))
	errs := make([]error, len(unique))
	for i, target := range unique {
		g.Go(func() error {
			key := target.Key()
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			s.register(key, cancel)
			defer s.unregister(key)

			sum, err := s.runner.Run(runCtx, target)
			summaries[i] = sum
			switch {
			case err == nil:
				s.logger.Info("target completed",
					zap.String("target", key),
					zap.Int("pages", sum.PagesProcessed),
					zap.Int("records", sum.RecordsSeen),
				)
			case errors.Is(err, context.Canceled):
				s.logger.Info("target stopped", zap.String("target", key))
			default:
				errs[i] = fmt.Errorf("target %s: %w", key, err)
				s.logger.Error("target failed", zap.String("target", key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait() // run goroutines never return errors
	return summaries, errors.Join(errs...)
}

// Stop cancels one in-flight target by key. Its run finishes the current
// page, flushes, and checkpoints before returning. Reports whether a run
// was live under that key.
func (s *Supervisor) Stop(key string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[key]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running lists the keys of in-flight targets in sorted order.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cancels))
	for key := range s.cancels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Supervisor) register(key string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[key] = cancel
}

func (s *Supervisor) unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, key)
}
