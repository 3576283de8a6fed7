package crawl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/retry"
)

func TestRecoveryControllerReopensWithFreshFilter(t *testing.T) {
	t.Parallel()

	fp := newFakePortal()
	ctl := NewRecoveryController(RecoveryConfig{MaxAttempts: 3}, fp, zap.NewNop())
	target := awardedYearTarget(t)

	sess, err := ctl.Recover(context.Background(), target)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, 1, ctl.Attempts())
	require.Equal(t, 1, fp.sessionCount())
	require.Equal(t, 1, fp.session(0).filters())

	ctl.NoteGoodPage()
	require.Zero(t, ctl.Attempts())
}

func TestRecoveryControllerExhaustsAfterCap(t *testing.T) {
	t.Parallel()

	fp := newFakePortal()
	ctl := NewRecoveryController(RecoveryConfig{MaxAttempts: 2}, fp, zap.NewNop())
	target := awardedYearTarget(t)

	_, err := ctl.Recover(context.Background(), target)
	require.NoError(t, err)
	_, err = ctl.Recover(context.Background(), target)
	require.NoError(t, err)

	_, err = ctl.Recover(context.Background(), target)
	require.ErrorIs(t, err, ErrRecoveryExhausted)
	require.Equal(t, 2, fp.sessionCount())
}

func TestRecoveryControllerRetriesTransientOpen(t *testing.T) {
	t.Parallel()

	fp := newFakePortal()
	fp.openErrs = []error{errors.New("portal: i/o timeout")}
	cfg := RecoveryConfig{
		MaxAttempts:  3,
		SessionRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	ctl := NewRecoveryController(cfg, fp, zap.NewNop())

	sess, err := ctl.Recover(context.Background(), awardedYearTarget(t))
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, 2, fp.openCalls())
	require.Equal(t, 1, fp.sessionCount())
}

func TestRecoveryControllerSurvivesCrashDuringFilter(t *testing.T) {
	t.Parallel()

	fp := newFakePortal()
	fp.applyErrs = []error{portal.ErrSessionCrashed}
	cfg := RecoveryConfig{
		MaxAttempts:  3,
		SessionRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	ctl := NewRecoveryController(cfg, fp, zap.NewNop())

	sess, err := ctl.Recover(context.Background(), awardedYearTarget(t))
	require.NoError(t, err)
	require.NotNil(t, sess)

	// The session that crashed mid-filter was closed, not leaked.
	require.Equal(t, 2, fp.sessionCount())
	require.True(t, fp.session(0).isClosed())
	require.False(t, fp.session(1).isClosed())
}

func TestRecoveryControllerStopsOnFilterRejection(t *testing.T) {
	t.Parallel()

	fp := newFakePortal()
	fp.applyErrs = []error{portal.ErrFilterRejected}
	cfg := RecoveryConfig{
		MaxAttempts:  3,
		SessionRetry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	ctl := NewRecoveryController(cfg, fp, zap.NewNop())

	_, err := ctl.Recover(context.Background(), awardedYearTarget(t))
	require.ErrorIs(t, err, portal.ErrFilterRejected)

	// A rejected filter is permanent: one open, no retries, session closed.
	require.Equal(t, 1, fp.openCalls())
	require.True(t, fp.session(0).isClosed())
}
