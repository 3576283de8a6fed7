// Package sinks implements concrete progress consumers: structured logging,
// Prometheus metrics, and the session trace store. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/progress"
)

// LogSink emits structured logs for the progress stream. Suspensions and
// permanent document failures log at Warn so operators see them without
// debug logging enabled.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("target", evt.Target),
			zap.Int("page", evt.Page),
			zap.Int("records", evt.Records),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		switch evt.Stage {
		case progress.StageRunSuspended, progress.StageDocFailed:
			s.logger.Warn("progress event", fields...)
		case progress.StageRunStart, progress.StageRunDone:
			s.logger.Info("progress event", fields...)
		default:
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
