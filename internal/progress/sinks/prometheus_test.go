package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/procurewatch/tendercrawl/internal/progress"
)

// TestPrometheusSinkRecordsRunMetrics ensures run counters track starts,
// completions, and suspensions.
func TestPrometheusSinkRecordsRunMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart, Target: "awarded/2019/modal", Category: "awarded"},
		{RunID: "run-1", TS: now, Stage: progress.StagePageDone, Target: "awarded/2019/modal", Category: "awarded", Page: 1, Records: 20, Dur: 800 * time.Millisecond},
		{RunID: "run-1", TS: now, Stage: progress.StageRunDone, Target: "awarded/2019/modal", Category: "awarded", Dur: 90 * time.Second},
		{RunID: "run-2", TS: now, Stage: progress.StageRunStart, Target: "active/2024/modal", Category: "active"},
		{RunID: "run-2", TS: now, Stage: progress.StageRunSuspended, Target: "active/2024/modal", Category: "active", Dur: 30 * time.Second, Note: "window corruption persisted"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsDone.WithLabelValues("done")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsDone.WithLabelValues("suspended")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2, testutil.CollectAndCount(sink.runDuration, "crawl_run_duration_seconds"))
}

// TestPrometheusSinkRegistersOnce surfaces duplicate registration instead of
// panicking.
func TestPrometheusSinkRegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
