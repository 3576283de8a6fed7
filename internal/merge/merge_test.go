package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

func strPtr(s string) *string        { return &s }
func f64Ptr(f float64) *float64      { return &f }
func timePtr(t time.Time) *time.Time { return &t }
func at(day int) time.Time           { return time.Date(2019, 5, day, 0, 0, 0, 0, time.UTC) }

func sighting(day int) portal.PartialRecord {
	return portal.PartialRecord{
		TenderID:  "T-1",
		Title:     strPtr("Road resurfacing"),
		Entity:    strPtr("City of Brasov"),
		Value:     f64Ptr(1250000),
		Currency:  strPtr("EUR"),
		Status:    strPtr("open"),
		Published: timePtr(at(1)),
		Category:  portal.CategoryActive,
		ScrapedAt: at(day),
	}
}

func TestApplyCreatesOnFirstSighting(t *testing.T) {
	t.Parallel()

	rec := Apply(nil, sighting(2))
	require.Equal(t, "T-1", rec.TenderID)
	require.Equal(t, "Road resurfacing", rec.Title)
	require.Equal(t, 1, rec.ScrapeCount)
	require.Equal(t, at(2), rec.FirstSeenAt)
	require.Equal(t, at(2), rec.LastScrapedAt)
	require.Equal(t, portal.CategoryActive, rec.SourceCategory)
	require.NotNil(t, rec.Value)
	require.Equal(t, 1250000.0, *rec.Value)
	require.Nil(t, rec.Deadline)
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	p := sighting(3)
	once := Apply(nil, p)
	twice := Apply(&once, p)
	thrice := Apply(&twice, p)
	require.Equal(t, once, twice)
	require.Equal(t, twice, thrice)
	require.Equal(t, 1, thrice.ScrapeCount)
}

func TestApplyPreservesAbsentFields(t *testing.T) {
	t.Parallel()

	full := Apply(nil, sighting(1))

	sparse := portal.PartialRecord{
		TenderID:  "T-1",
		Status:    strPtr("awarded"),
		Category:  portal.CategoryAwarded,
		ScrapedAt: at(10),
	}
	merged := Apply(&full, sparse)

	require.Equal(t, "awarded", merged.Status)
	require.Equal(t, portal.CategoryAwarded, merged.SourceCategory)
	// Absent in the new sighting, so carried over.
	require.Equal(t, "Road resurfacing", merged.Title)
	require.Equal(t, "City of Brasov", merged.Entity)
	require.NotNil(t, merged.Value)
	require.Equal(t, 2, merged.ScrapeCount)
	require.Equal(t, at(1), merged.FirstSeenAt)
	require.Equal(t, at(10), merged.LastScrapedAt)
}

func TestApplyCountsOnlyNewerSightings(t *testing.T) {
	t.Parallel()

	rec := Apply(nil, sighting(5))
	replayed := Apply(&rec, sighting(5))
	require.Equal(t, 1, replayed.ScrapeCount)

	older := Apply(&rec, sighting(4))
	require.Equal(t, 1, older.ScrapeCount)
	require.Equal(t, at(5), older.LastScrapedAt)

	newer := Apply(&rec, sighting(6))
	require.Equal(t, 2, newer.ScrapeCount)
	require.Equal(t, at(6), newer.LastScrapedAt)
}

func TestApplyDoesNotAliasPointerFields(t *testing.T) {
	t.Parallel()

	p := sighting(1)
	rec := Apply(nil, p)
	*p.Value = 999
	require.Equal(t, 1250000.0, *rec.Value)
}

func TestSquashMergesDuplicateRows(t *testing.T) {
	t.Parallel()

	rows := []portal.PartialRecord{
		{TenderID: "T-1", Title: strPtr("first"), ScrapedAt: at(1)},
		{TenderID: "T-2", Title: strPtr("other"), ScrapedAt: at(1)},
		{TenderID: "T-1", Status: strPtr("open"), ScrapedAt: at(1),
			Documents: []portal.DocumentLink{{URL: "https://portal.example/d.pdf"}}},
	}
	out := Squash(rows)
	require.Len(t, out, 2)
	require.Equal(t, "T-1", out[0].TenderID)
	require.NotNil(t, out[0].Title)
	require.Equal(t, "first", *out[0].Title)
	require.NotNil(t, out[0].Status)
	require.Equal(t, "open", *out[0].Status)
	require.Len(t, out[0].Documents, 1)
	require.Equal(t, "T-2", out[1].TenderID)
}
