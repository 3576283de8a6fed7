package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/procurewatch/tendercrawl/internal/metrics"
	"github.com/procurewatch/tendercrawl/internal/progress"
)

// PrometheusSink exports run-level progress metrics and forwards page and
// document stages to the shared collectors in the metrics package.
type PrometheusSink struct {
	runsStarted prometheus.Counter
	runsDone    *prometheus.CounterVec
	runsRunning prometheus.Gauge
	runDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the run collectors against the registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics.Init()
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_runs_started_total",
			Help: "Crawl runs that have started.",
		}),
		runsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_runs_completed_total",
			Help: "Crawl runs completed, partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_runs_running",
			Help: "Crawl runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_run_duration_seconds",
			Help:    "Wall time per completed crawl run.",
			Buckets: []float64{5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
	}
	var err error
	if s.runsStarted, err = register(reg, s.runsStarted); err != nil {
		return nil, err
	}
	if s.runsDone, err = register(reg, s.runsDone); err != nil {
		return nil, err
	}
	if s.runsRunning, err = register(reg, s.runsRunning); err != nil {
		return nil, err
	}
	if s.runDuration, err = register(reg, s.runDuration); err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg. When an earlier sink already registered the same
// collector, the existing instance is reused so both sinks feed one series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register progress collector: %w", err)
}

// Consume translates each event into collector updates.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			s.runsRunning.Inc()
		case progress.StageRunDone:
			s.runsRunning.Dec()
			s.runsDone.WithLabelValues("done").Inc()
			s.runDuration.WithLabelValues("done").Observe(evt.Dur.Seconds())
		case progress.StageRunSuspended:
			s.runsRunning.Dec()
			s.runsDone.WithLabelValues("suspended").Inc()
			s.runDuration.WithLabelValues("suspended").Observe(evt.Dur.Seconds())
			metrics.ObserveTargetSuspended(evt.Category)
		case progress.StagePageDone:
			metrics.ObservePage(evt.Category, "ok", evt.Dur)
		case progress.StageCorruption:
			metrics.ObserveCorruption(evt.Category)
		case progress.StageRecovery:
			metrics.ObserveRecovery(evt.Category)
		case progress.StageDocDone:
			metrics.ObserveDocument("success")
		case progress.StageDocFailed:
			metrics.ObserveDocument("failed")
		}
	}
	return nil
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
