package crawl

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

func TestDetectorFlagsExactReplay(t *testing.T) {
	t.Parallel()

	target := awardedYearTarget(t)
	det := NewDetector(DetectorConfig{}, target)

	p1 := listingPage(1, true, "15.03.2019", "T-A", "T-B")
	require.False(t, det.Observe(p1, normalizeAll(p1, target)).Corrupted)

	replay := listingPage(2, true, "15.03.2019", "T-A", "T-B")
	verdict := det.Observe(replay, normalizeAll(replay, target))
	require.True(t, verdict.Corrupted)
	require.Equal(t, 1, verdict.ReplayOfPage)
	require.Contains(t, verdict.Reason, "exact replay")
}

// TestDetectorFlagsSubsetOfEarlierPage covers the classic corruption shape:
// a late page quietly serving a slice of a much earlier page's content. The
// default window must still hold that early page when the replay arrives.
func TestDetectorFlagsSubsetOfEarlierPage(t *testing.T) {
	t.Parallel()

	target := awardedYearTarget(t)
	det := NewDetector(DetectorConfig{}, target)

	for page := 1; page <= 12; page++ {
		ids := make([]string, 0, 3)
		for i := 1; i <= 3; i++ {
			ids = append(ids, fmt.Sprintf("T-%03d-%d", page, i))
		}
		res := listingPage(page, true, "15.03.2019", ids...)
		require.False(t, det.Observe(res, normalizeAll(res, target)).Corrupted)
	}

	replay := listingPage(85, true, "15.03.2019", "T-010-1", "T-010-3")
	verdict := det.Observe(replay, normalizeAll(replay, target))
	require.True(t, verdict.Corrupted)
	require.Equal(t, 10, verdict.ReplayOfPage)
	require.Contains(t, verdict.Reason, "page 85 replays page 10")
}

// TestDetectorAllowsOverlapSpanningPages keeps legitimate re-sightings
// clean: records repeating across page boundaries are normal, only a whole
// page contained in one earlier page is not.
func TestDetectorAllowsOverlapSpanningPages(t *testing.T) {
	t.Parallel()

	target := awardedYearTarget(t)
	det := NewDetector(DetectorConfig{}, target)

	p1 := listingPage(1, true, "15.03.2019", "T-A", "T-B")
	p2 := listingPage(2, true, "15.03.2019", "T-C", "T-D")
	require.False(t, det.Observe(p1, normalizeAll(p1, target)).Corrupted)
	require.False(t, det.Observe(p2, normalizeAll(p2, target)).Corrupted)

	// One ID from each earlier page plus a new one: subset of neither.
	mixed := listingPage(3, true, "15.03.2019", "T-A", "T-C", "T-E")
	require.False(t, det.Observe(mixed, normalizeAll(mixed, target)).Corrupted)

	// Even all-old content stays clean while it spans multiple pages.
	allOld := listingPage(4, true, "15.03.2019", "T-B", "T-D")
	require.False(t, det.Observe(allOld, normalizeAll(allOld, target)).Corrupted)
}

func TestDetectorFlagsOutOfWindowPage(t *testing.T) {
	t.Parallel()

	t.Run("archive year", func(t *testing.T) {
		t.Parallel()
		target := awardedYearTarget(t)
		det := NewDetector(DetectorConfig{}, target)

		drifted := listingPage(1, true, "15.06.2030", "T-A", "T-B")
		verdict := det.Observe(drifted, normalizeAll(drifted, target))
		require.True(t, verdict.Corrupted)
		require.Contains(t, verdict.Reason, "window")
		require.Zero(t, verdict.ReplayOfPage)
	})

	t.Run("date range", func(t *testing.T) {
		t.Parallel()
		target := activeRangeTarget(t)
		det := NewDetector(DetectorConfig{}, target)

		drifted := listingPage(1, true, "15.08.2024", "T-A", "T-B")
		require.True(t, det.Observe(drifted, normalizeAll(drifted, target)).Corrupted)
	})

	t.Run("one record inside keeps the page clean", func(t *testing.T) {
		t.Parallel()
		target := awardedYearTarget(t)
		det := NewDetector(DetectorConfig{}, target)

		res := listingPage(1, true, "15.03.2019", "T-A")
		res.Records = append(res.Records, portal.RawRecord{
			TenderID:  "T-B",
			Title:     "Tender T-B",
			Published: "15.06.2030",
		})
		res.Fingerprint = portal.Fingerprint(res.RecordIDs())
		require.False(t, det.Observe(res, normalizeAll(res, target)).Corrupted)
	})
}

// TestDetectorSkipsWindowCheckWithoutDates keeps pages with no parseable
// dates clean, since membership cannot be verified either way.
func TestDetectorSkipsWindowCheckWithoutDates(t *testing.T) {
	t.Parallel()

	target := awardedYearTarget(t)
	det := NewDetector(DetectorConfig{}, target)

	res := listingPage(1, true, "", "T-A", "T-B")
	require.False(t, det.Observe(res, normalizeAll(res, target)).Corrupted)
}

// TestDetectorKeepsCorruptPagesOutOfWindow ensures a flagged page never
// becomes comparison history, so persistent corruption keeps flagging.
func TestDetectorKeepsCorruptPagesOutOfWindow(t *testing.T) {
	t.Parallel()

	target := awardedYearTarget(t)
	det := NewDetector(DetectorConfig{}, target)

	p1 := listingPage(1, true, "15.03.2019", "T-A", "T-B")
	require.False(t, det.Observe(p1, normalizeAll(p1, target)).Corrupted)

	replay := listingPage(2, true, "15.03.2019", "T-A", "T-B")
	require.True(t, det.Observe(replay, normalizeAll(replay, target)).Corrupted)
	require.True(t, det.Observe(replay, normalizeAll(replay, target)).Corrupted)

	fixed := listingPage(2, true, "15.03.2019", "T-C", "T-D")
	require.False(t, det.Observe(fixed, normalizeAll(fixed, target)).Corrupted)

	echo := listingPage(3, true, "15.03.2019", "T-C", "T-D")
	verdict := det.Observe(echo, normalizeAll(echo, target))
	require.True(t, verdict.Corrupted)
	require.Equal(t, 2, verdict.ReplayOfPage)
}

func TestDetectorEvictsBeyondWindowSize(t *testing.T) {
	t.Parallel()

	target := awardedYearTarget(t)
	det := NewDetector(DetectorConfig{WindowSize: 2}, target)

	for page := 1; page <= 3; page++ {
		ids := []string{fmt.Sprintf("T-%d-1", page), fmt.Sprintf("T-%d-2", page)}
		res := listingPage(page, true, "15.03.2019", ids...)
		require.False(t, det.Observe(res, normalizeAll(res, target)).Corrupted)
	}

	// Page 1 aged out of the two-page window, so its replay passes. This is
	// exactly why the default window spans the whole corruption horizon.
	replay := listingPage(4, true, "15.03.2019", "T-1-1", "T-1-2")
	require.False(t, det.Observe(replay, normalizeAll(replay, target)).Corrupted)
}
