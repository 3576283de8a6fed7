package crawl

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

// Service launches crawl runs in the background on behalf of the operator
// API. Launch returns immediately; each accepted target runs once a
// concurrency slot frees up. A target key stays live from acceptance until
// its run finishes, so resubmitting it is skipped instead of double-crawled.
// The supervisor's duplicate-drop only covers one RunAll call; the service
// extends that guarantee across submissions.
type Service struct {
	sup    *Supervisor
	logger *zap.Logger
	slots  chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]context.CancelFunc
	closed bool
}

// NewService wraps a supervisor for background launches. The supervisor's
// concurrency cap applies across all submissions.
func NewService(sup *Supervisor, logger *zap.Logger) (*Service, error) {
	if sup == nil {
		return nil, errors.New("supervisor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sup:     sup,
		logger:  logger,
		slots:   make(chan struct{}, sup.cfg.MaxConcurrentTargets),
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]context.CancelFunc),
	}, nil
}

// Launch accepts targets for background crawling. Keys with a live run,
// duplicates within the batch, and anything submitted after Close land in
// skipped. Both slices preserve submission order.
func (s *Service) Launch(targets []portal.CrawlTarget) (started, skipped []string) {
	type accepted struct {
		target portal.CrawlTarget
		ctx    context.Context
	}
	var runs []accepted

	s.mu.Lock()
	for _, target := range targets {
		key := target.Key()
		if s.closed || s.runs[key] != nil {
			skipped = append(skipped, key)
			continue
		}
		runCtx, cancel := context.WithCancel(s.baseCtx)
		s.runs[key] = cancel
		runs = append(runs, accepted{target: target, ctx: runCtx})
		started = append(started, key)
	}
	s.wg.Add(len(runs))
	s.mu.Unlock()

	for _, run := range runs {
		go s.run(run.ctx, run.target)
	}
	return started, skipped
}

func (s *Service) run(ctx context.Context, target portal.CrawlTarget) {
	defer s.wg.Done()
	key := target.Key()
	defer s.release(key)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.logger.Info("queued target dropped before start", zap.String("target", key))
		return
	}
	defer func() { <-s.slots }()

	if _, err := s.sup.RunAll(ctx, []portal.CrawlTarget{target}); err != nil {
		s.logger.Error("background run failed", zap.String("target", key), zap.Error(err))
	}
}

func (s *Service) release(key string) {
	s.mu.Lock()
	cancel := s.runs[key]
	delete(s.runs, key)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels one live target by key, whether it is crawling or still
// queued for a slot. A crawling run finishes its current page, flushes and
// checkpoints first. Reports whether the key was live.
func (s *Service) Stop(key string) bool {
	s.mu.Lock()
	cancel := s.runs[key]
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Running lists live target keys, queued and crawling alike, in sorted
// order.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.runs))
	for key := range s.runs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close rejects further launches, cancels every live run and waits for them
// to drain. In-flight pages finish and checkpoints commit before runs
// return, so Close can take up to the runner's flush timeout.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
