// Package governor admission-controls browser automation contexts. Every
// context costs a large, roughly fixed amount of memory, so the pool caps
// live leases against a configured ceiling and stops granting entirely while
// sampled process memory sits above a hard-stop watermark. Acquire blocks;
// it is the backpressure point for the whole pipeline.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/id/uuid"
	"github.com/procurewatch/tendercrawl/internal/metrics"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("governor closed")

// Lease is a temporary grant of one automation context. Released exactly
// once through the issuing governor; double release is a no-op.
type Lease struct {
	ID         string
	AcquiredAt time.Time
	BudgetMB   int

	onEvict func()
	mu      sync.Mutex
}

// OnEvict registers the hook the governor calls when it force-terminates
// this lease's context to relieve memory pressure. The hook must be safe to
// call at most once from another goroutine.
func (l *Lease) OnEvict(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvict = fn
}

func (l *Lease) evict() {
	l.mu.Lock()
	fn := l.onEvict
	l.onEvict = nil
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Config sizes the pool. MemoryCeilingMB and ContextFootprintMB are
// required; everything else has defaults.
type Config struct {
	// MemoryCeilingMB is the total memory the automation layer may consume.
	MemoryCeilingMB int
	// ContextFootprintMB is the planning cost of one automation context and
	// the default budget for Acquire.
	ContextFootprintMB int
	// MaxLeases optionally caps live leases below what memory alone allows.
	MaxLeases int
	// SafetyMarginFraction shrinks the memory-derived cap. Default 0.1.
	SafetyMarginFraction float64
	// WatermarkFraction of the ceiling at which granting stops. Default 0.85.
	WatermarkFraction float64
	// SampleInterval between background memory samples. Default 5s.
	SampleInterval time.Duration
	// EvictAfterBreaches force-terminates the youngest lease after this many
	// consecutive above-watermark samples. 0 disables eviction.
	EvictAfterBreaches int
	// Sampler overrides the default process memory sampler.
	Sampler Sampler
}

func (c Config) withDefaults() Config {
	if c.SafetyMarginFraction <= 0 {
		c.SafetyMarginFraction = 0.1
	}
	if c.WatermarkFraction <= 0 {
		c.WatermarkFraction = 0.85
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.Sampler == nil {
		c.Sampler = DefaultSampler()
	}
	return c
}

// Stats is a point-in-time view of the pool for status surfaces.
type Stats struct {
	LiveLeases     int  `json:"live_leases"`
	LiveBudgetMB   int  `json:"live_budget_mb"`
	MaxLeases      int  `json:"max_leases"`
	CeilingMB      int  `json:"ceiling_mb"`
	WatermarkMB    int  `json:"watermark_mb"`
	SampledMB      int  `json:"sampled_mb"`
	AboveWatermark bool `json:"above_watermark"`
}

// Governor owns the bounded lease pool.
type Governor struct {
	cfg         Config
	logger      *zap.Logger
	ids         *uuid.Generator
	slots       chan struct{}
	maxLeases   int
	watermarkMB int

	mu             sync.Mutex
	wake           chan struct{}
	leases         map[string]*Lease
	order          []string
	liveBudgetMB   int
	sampledMB      int
	aboveWatermark bool
	breaches       int
	closed         bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds the pool and starts its background memory sampler.
func New(cfg Config, logger *zap.Logger) (*Governor, error) {
	cfg = cfg.withDefaults()
	if cfg.MemoryCeilingMB <= 0 {
		return nil, errors.New("governor: memory ceiling required")
	}
	if cfg.ContextFootprintMB <= 0 {
		return nil, errors.New("governor: context footprint required")
	}
	if cfg.ContextFootprintMB > cfg.MemoryCeilingMB {
		return nil, fmt.Errorf("governor: footprint %dMB exceeds ceiling %dMB",
			cfg.ContextFootprintMB, cfg.MemoryCeilingMB)
	}

	usable := float64(cfg.MemoryCeilingMB) * (1 - cfg.SafetyMarginFraction)
	maxLeases := int(usable) / cfg.ContextFootprintMB
	if maxLeases < 1 {
		maxLeases = 1
	}
	if cfg.MaxLeases > 0 && cfg.MaxLeases < maxLeases {
		maxLeases = cfg.MaxLeases
	}

	g := &Governor{
		cfg:         cfg,
		logger:      logger,
		ids:         uuid.New(),
		slots:       make(chan struct{}, maxLeases),
		maxLeases:   maxLeases,
		watermarkMB: int(float64(cfg.MemoryCeilingMB) * cfg.WatermarkFraction),
		wake:        make(chan struct{}),
		leases:      make(map[string]*Lease),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	g.sampleLocked()

	go g.sampleLoop()
	return g, nil
}

// Acquire blocks until the pool can admit one automation context of the
// given budget, the context is done, or the governor closes. A budget of 0
// means the configured per-context footprint.
func (g *Governor) Acquire(ctx context.Context, budgetMB int) (*Lease, error) {
	if budgetMB <= 0 {
		budgetMB = g.cfg.ContextFootprintMB
	}
	if budgetMB > g.cfg.MemoryCeilingMB {
		return nil, fmt.Errorf("governor: budget %dMB can never fit ceiling %dMB",
			budgetMB, g.cfg.MemoryCeilingMB)
	}

	start := time.Now()
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lease: %w", ctx.Err())
	case <-g.stop:
		return nil, ErrClosed
	}

	for {
		lease, wake, atWatermark, err := g.tryAdmit(budgetMB)
		if err != nil {
			<-g.slots
			return nil, err
		}
		if lease != nil {
			metrics.ObserveLeaseWait(time.Since(start))
			metrics.SetLiveLeases(g.liveCount())
			return lease, nil
		}

		if atWatermark {
			metrics.ObserveWatermarkStop()
		}
		select {
		case <-wake:
		case <-ctx.Done():
			<-g.slots
			return nil, fmt.Errorf("acquire lease: %w", ctx.Err())
		case <-g.stop:
			<-g.slots
			return nil, ErrClosed
		}
	}
}

// tryAdmit admits the caller if budget fits under the ceiling and memory is
// below the watermark. Returns the wake channel to wait on otherwise. The
// caller already holds a slot token.
func (g *Governor) tryAdmit(budgetMB int) (*Lease, chan struct{}, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, nil, false, ErrClosed
	}

	g.sampleLocked()
	if g.aboveWatermark || g.liveBudgetMB+budgetMB > g.cfg.MemoryCeilingMB {
		return nil, g.wake, g.aboveWatermark, nil
	}

	id, err := g.ids.NewID()
	if err != nil {
		return nil, nil, false, fmt.Errorf("lease id: %w", err)
	}
	lease := &Lease{ID: id, AcquiredAt: time.Now(), BudgetMB: budgetMB}
	g.leases[id] = lease
	g.order = append(g.order, id)
	g.liveBudgetMB += budgetMB
	return lease, nil, false, nil
}

// Release returns a lease to the pool. Safe to call more than once and with
// leases already evicted.
func (g *Governor) Release(lease *Lease) {
	if lease == nil {
		return
	}
	g.mu.Lock()
	_, live := g.leases[lease.ID]
	if live {
		delete(g.leases, lease.ID)
		g.liveBudgetMB -= lease.BudgetMB
		for i, id := range g.order {
			if id == lease.ID {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
		g.wakeAllLocked()
	}
	g.mu.Unlock()

	if live {
		<-g.slots
		metrics.SetLiveLeases(g.liveCount())
	}
}

// Close stops granting leases. Live leases stay valid until released.
func (g *Governor) Close() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.wakeAllLocked()
		g.mu.Unlock()
		close(g.stop)
		<-g.done
	})
}

// Snapshot reports current pool state.
func (g *Governor) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		LiveLeases:     len(g.leases),
		LiveBudgetMB:   g.liveBudgetMB,
		MaxLeases:      g.maxLeases,
		CeilingMB:      g.cfg.MemoryCeilingMB,
		WatermarkMB:    g.watermarkMB,
		SampledMB:      g.sampledMB,
		AboveWatermark: g.aboveWatermark,
	}
}

func (g *Governor) liveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

func (g *Governor) wakeAllLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// sampleLocked refreshes the memory reading and watermark state. Callers
// hold g.mu except during construction.
func (g *Governor) sampleLocked() {
	mb, err := g.cfg.Sampler()
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("memory sample failed", zap.Error(err))
		}
		return
	}
	wasAbove := g.aboveWatermark
	g.sampledMB = mb
	g.aboveWatermark = mb >= g.watermarkMB
	metrics.SetMemoryUsedMB(mb)

	if g.aboveWatermark {
		g.breaches++
	} else {
		g.breaches = 0
	}
	if wasAbove && !g.aboveWatermark {
		g.wakeAllLocked()
	}
}

func (g *Governor) sampleLoop() {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			g.sampleLocked()
			evict := g.cfg.EvictAfterBreaches > 0 && g.breaches >= g.cfg.EvictAfterBreaches
			var victim *Lease
			if evict && len(g.order) > 0 {
				victim = g.leases[g.order[len(g.order)-1]]
				g.breaches = 0
			}
			g.mu.Unlock()

			if victim != nil {
				if g.logger != nil {
					g.logger.Warn("memory watermark held, evicting youngest lease",
						zap.String("lease_id", victim.ID),
						zap.Int("budget_mb", victim.BudgetMB),
					)
				}
				victim.evict()
			}
		case <-g.stop:
			return
		}
	}
}
