package sinks

import (
	"context"
	"fmt"

	"github.com/procurewatch/tendercrawl/internal/progress"
)

// EventWriter persists event batches. The session trace recorder satisfies
// it; tests use an in-memory fake.
type EventWriter interface {
	WriteEvents(ctx context.Context, batch []progress.Event) error
}

// StoreSink forwards batches to a durable writer so runs can be replayed and
// detector thresholds tuned offline.
type StoreSink struct {
	writer EventWriter
}

// NewStoreSink wraps an EventWriter.
func NewStoreSink(writer EventWriter) (*StoreSink, error) {
	if writer == nil {
		return nil, fmt.Errorf("event writer is required")
	}
	return &StoreSink{writer: writer}, nil
}

// Consume persists the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	if err := s.writer.WriteEvents(ctx, batch); err != nil {
		return fmt.Errorf("write progress events: %w", err)
	}
	return nil
}

// Close implements the Sink interface; the writer's lifecycle belongs to its
// owner.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
