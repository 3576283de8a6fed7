package crawl

import (
	"fmt"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

// DetectorConfig tunes corruption detection.
type DetectorConfig struct {
	// WindowSize is how many recent clean pages are kept for replay
	// comparison. The default of 128 spans the whole corruption horizon:
	// filters degrade after roughly 80-100 modal advances, and the classic
	// symptom is a late page replaying a much earlier one, so the window
	// must still contain that early page when the replay arrives.
	WindowSize int
	// MinDatedForWindowCheck is the minimum number of records on a page
	// with a parseable publication date before the out-of-window check
	// applies. Pages with fewer dated records cannot be checked. Default 1.
	MinDatedForWindowCheck int
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 128
	}
	if c.MinDatedForWindowCheck <= 0 {
		c.MinDatedForWindowCheck = 1
	}
	return c
}

// Verdict is the detector's judgment of one extracted page.
type Verdict struct {
	Corrupted bool
	// Reason is the operator-facing explanation when Corrupted.
	Reason string
	// ReplayOfPage names the earlier page this one replays, or 0.
	ReplayOfPage int
}

// pageTrace remembers one clean page for later comparison.
type pageTrace struct {
	page        int
	fingerprint string
	ids         map[string]struct{}
}

// Detector flags silently corrupted filter state from the extracted pages
// alone, since the portal reports corruption through no other channel. Two
// signals fire it: a page whose record IDs are a subset of a single earlier
// page in the window (the portal replaying already-served content), and a
// page carrying dated records none of which fall inside the target's
// window. One Detector serves one run; it is not safe for concurrent use.
type Detector struct {
	cfg    DetectorConfig
	target portal.CrawlTarget
	window []pageTrace
}

// NewDetector builds a detector for one target run.
func NewDetector(cfg DetectorConfig, target portal.CrawlTarget) *Detector {
	return &Detector{cfg: cfg.withDefaults(), target: target}
}

// Observe judges one extracted page. Clean pages join the comparison
// window; corrupted pages never do, so a persistently corrupt portal keeps
// failing against the same clean history until the recovery cap suspends
// the target.
func (d *Detector) Observe(res portal.PageResult, sightings []portal.PartialRecord) Verdict {
	ids := res.RecordIDs()
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	if len(idSet) > 0 {
		// Newest first, so a verbatim repeat of the previous page is
		// reported against that page rather than an older coincidence.
		for i := len(d.window) - 1; i >= 0; i-- {
			trace := d.window[i]
			if trace.page == res.Page {
				continue
			}
			if !subsetOf(idSet, trace.ids) {
				continue
			}
			reason := fmt.Sprintf("page %d replays page %d", res.Page, trace.page)
			if trace.fingerprint == res.Fingerprint {
				reason = fmt.Sprintf("page %d is an exact replay of page %d", res.Page, trace.page)
			}
			return Verdict{Corrupted: true, Reason: reason, ReplayOfPage: trace.page}
		}
	}

	if dated, inWindow := d.countDated(sightings); dated >= d.cfg.MinDatedForWindowCheck && inWindow == 0 {
		return Verdict{
			Corrupted: true,
			Reason: fmt.Sprintf("page %d: none of %d dated records fall inside window %s",
				res.Page, dated, d.target.Window),
		}
	}

	d.window = append(d.window, pageTrace{page: res.Page, fingerprint: res.Fingerprint, ids: idSet})
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[len(d.window)-d.cfg.WindowSize:]
	}
	return Verdict{}
}

// Reset clears the comparison window. Kept for completeness; recovery
// deliberately does not call it, because pages extracted before the filter
// degraded remain valid comparisons afterwards.
func (d *Detector) Reset() {
	d.window = nil
}

func (d *Detector) countDated(sightings []portal.PartialRecord) (dated, inWindow int) {
	for _, s := range sightings {
		if s.Published == nil {
			continue
		}
		dated++
		if d.target.Window.Contains(*s.Published) {
			inWindow++
		}
	}
	return dated, inWindow
}

func subsetOf(ids, of map[string]struct{}) bool {
	if len(ids) > len(of) {
		return false
	}
	for id := range ids {
		if _, ok := of[id]; !ok {
			return false
		}
	}
	return true
}
