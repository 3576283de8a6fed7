// Package merge folds tender sightings into canonical records. Merging is
// field-level last-write-wins: fields present in the incoming sighting
// overwrite, absent fields are preserved. Applying the same sighting twice
// yields the same record, which is what makes batch re-processing after a
// crash safe.
package merge

import (
	"time"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

// Apply merges one sighting into an existing record, or creates the record
// on first sighting when existing is nil. ScrapeCount grows only for
// sightings newer than the record's LastScrapedAt, so replays do not
// double-count.
func Apply(existing *portal.TenderRecord, incoming portal.PartialRecord) portal.TenderRecord {
	if existing == nil {
		return create(incoming)
	}

	out := *existing
	if incoming.ScrapedAt.After(out.LastScrapedAt) {
		out.ScrapeCount++
		out.LastScrapedAt = incoming.ScrapedAt
	}
	if incoming.Category != "" {
		out.SourceCategory = incoming.Category
	}
	if incoming.Title != nil {
		out.Title = *incoming.Title
	}
	if incoming.Entity != nil {
		out.Entity = *incoming.Entity
	}
	if incoming.Value != nil {
		v := *incoming.Value
		out.Value = &v
	}
	if incoming.Currency != nil {
		out.Currency = *incoming.Currency
	}
	if incoming.Status != nil {
		out.Status = *incoming.Status
	}
	if incoming.Published != nil {
		p := *incoming.Published
		out.Published = &p
	}
	if incoming.Deadline != nil {
		d := *incoming.Deadline
		out.Deadline = &d
	}
	if incoming.DetailURL != nil {
		out.DetailURL = *incoming.DetailURL
	}
	return out
}

func create(incoming portal.PartialRecord) portal.TenderRecord {
	rec := portal.TenderRecord{
		TenderID:       incoming.TenderID,
		SourceCategory: incoming.Category,
		ScrapeCount:    1,
		FirstSeenAt:    incoming.ScrapedAt,
		LastScrapedAt:  incoming.ScrapedAt,
	}
	if incoming.Title != nil {
		rec.Title = *incoming.Title
	}
	if incoming.Entity != nil {
		rec.Entity = *incoming.Entity
	}
	if incoming.Value != nil {
		v := *incoming.Value
		rec.Value = &v
	}
	if incoming.Currency != nil {
		rec.Currency = *incoming.Currency
	}
	if incoming.Status != nil {
		rec.Status = *incoming.Status
	}
	if incoming.Published != nil {
		p := *incoming.Published
		rec.Published = &p
	}
	if incoming.Deadline != nil {
		d := *incoming.Deadline
		rec.Deadline = &d
	}
	if incoming.DetailURL != nil {
		rec.DetailURL = *incoming.DetailURL
	}
	return rec
}

// Squash folds a page's sightings of the same tender into one, applying them
// in order. Listing pages occasionally repeat a row after a grid refresh.
func Squash(sightings []portal.PartialRecord) []portal.PartialRecord {
	if len(sightings) < 2 {
		return sightings
	}
	byID := make(map[string]int, len(sightings))
	out := make([]portal.PartialRecord, 0, len(sightings))
	for _, s := range sightings {
		if i, seen := byID[s.TenderID]; seen {
			out[i] = overlay(out[i], s)
			continue
		}
		byID[s.TenderID] = len(out)
		out = append(out, s)
	}
	return out
}

// overlay merges two sightings of the same tender, later fields winning.
func overlay(base, next portal.PartialRecord) portal.PartialRecord {
	if next.Title != nil {
		base.Title = next.Title
	}
	if next.Entity != nil {
		base.Entity = next.Entity
	}
	if next.Value != nil {
		base.Value = next.Value
	}
	if next.Currency != nil {
		base.Currency = next.Currency
	}
	if next.Status != nil {
		base.Status = next.Status
	}
	if next.Published != nil {
		base.Published = next.Published
	}
	if next.Deadline != nil {
		base.Deadline = next.Deadline
	}
	if next.DetailURL != nil {
		base.DetailURL = next.DetailURL
	}
	if next.Category != "" {
		base.Category = next.Category
	}
	if laterOf(base.ScrapedAt, next.ScrapedAt) == next.ScrapedAt {
		base.ScrapedAt = next.ScrapedAt
	}
	base.Documents = append(base.Documents, next.Documents...)
	return base
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
