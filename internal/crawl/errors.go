package crawl

import "errors"

// ErrTargetSuspended is returned when a run suspends its target after the
// recovery budget is spent, and when a run refuses a target that is already
// suspended. Only an operator resume clears it.
var ErrTargetSuspended = errors.New("crawl target suspended")

// ErrRecoveryExhausted signals that consecutive filter corruptions exceeded
// the recovery cap. The runner converts it into a suspension.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
