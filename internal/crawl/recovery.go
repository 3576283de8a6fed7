package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/portal"
	"github.com/procurewatch/tendercrawl/internal/retry"
)

// RecoveryConfig bounds session recovery.
type RecoveryConfig struct {
	// MaxAttempts is how many consecutive recoveries are allowed before the
	// target suspends. A clean page resets the count. Default 3.
	MaxAttempts int
	// SessionRetry wraps the open-and-filter sequence of one recovery.
	SessionRetry retry.Policy
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// RecoveryController rebuilds portal sessions after detected corruption.
// Recovery is the only cure for a degraded filter: the old session is
// abandoned, a fresh one opens through the governor, and the full filter
// sequence runs again from scratch. The controller counts consecutive
// recoveries so a persistently corrupt target cannot loop forever.
type RecoveryController struct {
	cfg      RecoveryConfig
	factory  portal.SessionFactory
	logger   *zap.Logger
	attempts int
}

// NewRecoveryController builds a controller for one target run.
func NewRecoveryController(cfg RecoveryConfig, factory portal.SessionFactory, logger *zap.Logger) *RecoveryController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryController{cfg: cfg.withDefaults(), factory: factory, logger: logger}
}

// Recover opens a replacement session with the target's filter asserted
// from scratch. The caller closes the corrupted session first and resumes
// navigation at the page after the checkpoint, never at page one. Returns
// ErrRecoveryExhausted once consecutive recoveries exceed the cap.
func (r *RecoveryController) Recover(ctx context.Context, target portal.CrawlTarget) (portal.Session, error) {
	r.attempts++
	if r.attempts > r.cfg.MaxAttempts {
		return nil, fmt.Errorf("recovery %d of target %s exceeds cap %d: %w",
			r.attempts, target.Key(), r.cfg.MaxAttempts, ErrRecoveryExhausted)
	}
	r.logger.Info("recovering session",
		zap.String("target", target.Key()),
		zap.Int("attempt", r.attempts),
		zap.Int("cap", r.cfg.MaxAttempts),
	)

	policy := r.cfg.SessionRetry
	policy.OnRetry = retry.LogRetries(r.logger, "recover session")
	sess, err := retry.DoVal(ctx, policy, func(ctx context.Context) (portal.Session, error) {
		return openFilteredSession(ctx, r.factory, target, r.logger)
	})
	if err != nil {
		return nil, fmt.Errorf("recover session for %s: %w", target.Key(), err)
	}
	return sess, nil
}

// NoteGoodPage resets the consecutive-recovery count after a clean page.
func (r *RecoveryController) NoteGoodPage() {
	r.attempts = 0
}

// Attempts reports the current consecutive-recovery count.
func (r *RecoveryController) Attempts() int {
	return r.attempts
}

// openFilteredSession opens one session and asserts the target's filter,
// closing the session again if the filter fails so its lease is not leaked.
func openFilteredSession(ctx context.Context, factory portal.SessionFactory, target portal.CrawlTarget, logger *zap.Logger) (portal.Session, error) {
	sess, err := factory.Open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := sess.ApplyFilter(ctx, target); err != nil {
		if cerr := sess.Close(ctx); cerr != nil {
			logger.Warn("closing session after filter failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("apply filter: %w", sessionErr(err))
	}
	return sess, nil
}

// sessionErr classifies automation-context crashes as transient so the
// retry layer reopens instead of giving up.
func sessionErr(err error) error {
	if errors.Is(err, portal.ErrSessionCrashed) {
		return retry.MarkTransient(err, 0)
	}
	return err
}
