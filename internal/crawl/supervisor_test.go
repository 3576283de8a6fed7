package crawl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

type fakeTargetRunner struct {
	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	run      func(ctx context.Context, target portal.CrawlTarget) (RunSummary, error)
}

func (f *fakeTargetRunner) Run(ctx context.Context, target portal.CrawlTarget) (RunSummary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.Key())
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.run != nil {
		return f.run(ctx, target)
	}
	return RunSummary{Target: target, PagesProcessed: 1}, nil
}

func (f *fakeTargetRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func yearTargets(t *testing.T, years ...int) []portal.CrawlTarget {
	t.Helper()
	targets := make([]portal.CrawlTarget, 0, len(years))
	for _, year := range years {
		target := portal.CrawlTarget{
			Category: portal.CategoryAwarded,
			Window:   portal.YearWindow(year),
			Mode:     portal.FilterModeModal,
		}
		require.NoError(t, target.Validate())
		targets = append(targets, target)
	}
	return targets
}

func TestSupervisorIsolatesTargetFailures(t *testing.T) {
	t.Parallel()

	targets := yearTargets(t, 2019, 2020)
	badKey := targets[0].Key()
	runner := &fakeTargetRunner{
		run: func(_ context.Context, target portal.CrawlTarget) (RunSummary, error) {
			if target.Key() == badKey {
				return RunSummary{Target: target, Suspended: true},
					fmt.Errorf("target %s: corruption persisted: %w", target.Key(), ErrTargetSuspended)
			}
			return RunSummary{Target: target, PagesProcessed: 7}, nil
		},
	}
	sup, err := NewSupervisor(SupervisorConfig{MaxConcurrentTargets: 1}, runner, zap.NewNop())
	require.NoError(t, err)

	summaries, err := sup.RunAll(context.Background(), targets)
	require.ErrorIs(t, err, ErrTargetSuspended)
	require.Contains(t, err.Error(), badKey)
	require.NotContains(t, err.Error(), targets[1].Key())

	// The healthy sibling ran to completion regardless.
	require.Len(t, summaries, 2)
	require.True(t, summaries[0].Suspended)
	require.Equal(t, 7, summaries[1].PagesProcessed)
	require.Equal(t, 2, runner.callCount())
}

func TestSupervisorBoundsConcurrency(t *testing.T) {
	t.Parallel()

	runner := &fakeTargetRunner{
		run: func(ctx context.Context, target portal.CrawlTarget) (RunSummary, error) {
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
			}
			return RunSummary{Target: target}, nil
		},
	}
	sup, err := NewSupervisor(SupervisorConfig{MaxConcurrentTargets: 2}, runner, zap.NewNop())
	require.NoError(t, err)

	summaries, err := sup.RunAll(context.Background(), yearTargets(t, 2019, 2020, 2021, 2022))
	require.NoError(t, err)
	require.Len(t, summaries, 4)
	require.Equal(t, 4, runner.callCount())
	require.LessOrEqual(t, runner.maxSeen.Load(), int32(2))
}

func TestSupervisorStopCancelsOneTarget(t *testing.T) {
	t.Parallel()

	runner := &fakeTargetRunner{
		run: func(ctx context.Context, target portal.CrawlTarget) (RunSummary, error) {
			<-ctx.Done()
			return RunSummary{Target: target, PagesProcessed: 3}, ctx.Err()
		},
	}
	sup, err := NewSupervisor(SupervisorConfig{MaxConcurrentTargets: 1}, runner, zap.NewNop())
	require.NoError(t, err)

	targets := yearTargets(t, 2019)
	key := targets[0].Key()

	done := make(chan struct{})
	var summaries []RunSummary
	var runErr error
	go func() {
		defer close(done)
		summaries, runErr = sup.RunAll(context.Background(), targets)
	}()

	require.Eventually(t, func() bool {
		running := sup.Running()
		return len(running) == 1 && running[0] == key
	}, time.Second, 10*time.Millisecond)

	require.False(t, sup.Stop("awarded/1999/modal"))
	require.True(t, sup.Stop(key))

	<-done
	// A stopped run drained gracefully and is not reported as a failure.
	require.NoError(t, runErr)
	require.Len(t, summaries, 1)
	require.Equal(t, 3, summaries[0].PagesProcessed)
	require.Empty(t, sup.Running())
}

func TestSupervisorDropsDuplicateTargets(t *testing.T) {
	t.Parallel()

	runner := &fakeTargetRunner{}
	sup, err := NewSupervisor(SupervisorConfig{}, runner, zap.NewNop())
	require.NoError(t, err)

	targets := yearTargets(t, 2019, 2019)
	summaries, err := sup.RunAll(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 1, runner.callCount())
}
