package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/procurewatch/tendercrawl/internal/progress"
	"github.com/procurewatch/tendercrawl/internal/publisher"
)

// notification is the wire form of a progress event. Only fields downstream
// consumers act on are carried; page-level noise stays internal.
type notification struct {
	RunID    string    `json:"run_id"`
	Stage    string    `json:"stage"`
	Target   string    `json:"target,omitempty"`
	Category string    `json:"category,omitempty"`
	Records  int       `json:"records,omitempty"`
	DurMS    int64     `json:"dur_ms,omitempty"`
	Note     string    `json:"note,omitempty"`
	TS       time.Time `json:"ts"`
}

// PublisherSink forwards terminal progress events to a message topic so
// downstream consumers learn about finished runs, suspensions, and document
// outcomes without polling the API.
type PublisherSink struct {
	pub   publisher.Provider
	topic string
}

// NewPublisherSink wraps a publisher Provider. The Provider's lifecycle
// belongs to its owner; Close here does not close it.
func NewPublisherSink(pub publisher.Provider, topic string) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &PublisherSink{pub: pub, topic: topic}, nil
}

// Consume publishes the batch's terminal events. Page-level events are
// skipped; at typical crawl rates they would swamp the topic.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunDone, progress.StageRunSuspended,
			progress.StageDocDone, progress.StageDocFailed:
		default:
			continue
		}
		n := notification{
			RunID:    evt.RunID,
			Stage:    string(evt.Stage),
			Target:   evt.Target,
			Category: evt.Category,
			Records:  evt.Records,
			DurMS:    evt.Dur.Milliseconds(),
			Note:     evt.Note,
			TS:       evt.TS,
		}
		if _, err := s.pub.Publish(ctx, s.topic, n); err != nil {
			return fmt.Errorf("publish %s event: %w", evt.Stage, err)
		}
	}
	return nil
}

// Close implements the Sink interface; the publisher outlives the sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
