// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that crawl runs and the document pipeline use to report
// milestones. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as Prometheus metrics, logs, or the session trace.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StagePageDone     Stage = "PAGE_DONE"
	StageCorruption   Stage = "CORRUPTION"
	StageRecovery     Stage = "RECOVERY"
	StageRunDone      Stage = "RUN_DONE"
	StageRunSuspended Stage = "RUN_SUSPENDED"
	StageDocDone      Stage = "DOC_DONE"
	StageDocFailed    Stage = "DOC_FAILED"
)

// Event captures one milestone of a crawl run or a document extraction.
type Event struct {
	// RunID identifies the crawl run or pipeline batch that emitted the event.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Target is the crawl target key; empty for document events.
	Target string
	// Category labels the target's listing section for metric sinks.
	Category string
	// Page is the listing page the event refers to, when page-scoped.
	Page int
	// Records carries the record count for page and run events.
	Records int
	// Dur captures latency for page, run, and document events.
	Dur time.Duration
	// Note holds low-volume context such as a corruption reason or error text.
	Note string
}

// Validate performs coarse validation so malformed events never reach sinks.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunSuspended, StageCorruption, StageRecovery:
		if e.Target == "" {
			return fmt.Errorf("%s requires a target", e.Stage)
		}
	case StagePageDone:
		if e.Target == "" {
			return errors.New("page event requires a target")
		}
		if e.Page <= 0 {
			return errors.New("page event requires a page number")
		}
	case StageDocDone, StageDocFailed:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
