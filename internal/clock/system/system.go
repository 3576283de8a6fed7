// Package system adapts time.Now for the document pipeline. Claims and
// retry scheduling compare against next_attempt_at in the store, so every
// timestamp the pipeline hands over is UTC; tests swap in a fake clock to
// step through backoff schedules.
package system

import "time"

// Clock implements docpipe.Clock.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
