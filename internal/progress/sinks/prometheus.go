package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/incremental-crawler/internal/progress"
)

// PrometheusSink exports run- and source-level metrics derived from
// progress events. Per-record counters live in the metrics package.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	sourcesDone    *prometheus.CounterVec
	sourcesRunning prometheus.Gauge
	sourceRuntime  *prometheus.HistogramVec
	listingLatency *prometheus.HistogramVec
	candidates     *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_started_total",
			Help: "Total coordinator runs started.",
		}),
		sourcesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sources_completed_total",
			Help: "Source crawls finished, partitioned by source and result.",
		}, []string{"source", "result"}),
		sourcesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_sources_running",
			Help: "Sources currently being crawled.",
		}),
		sourceRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_source_runtime_seconds",
			Help:    "Wall time per source crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"source"}),
		listingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_listing_fetch_duration_seconds",
			Help:    "Listing page fetch latency including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_listing_candidates_total",
			Help: "Candidate links discovered on listing pages.",
		}, []string{"source"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.sourcesDone,
		s.sourcesRunning,
		s.sourceRuntime,
		s.listingLatency,
		s.candidates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageSourceStart:
			s.sourcesRunning.Inc()
		case progress.StageSourceDone, progress.StageSourceError:
			result := "success"
			if evt.Stage == progress.StageSourceError {
				result = "error"
			}
			s.sourcesDone.WithLabelValues(evt.Source, result).Inc()
			s.sourcesRunning.Dec()
			if evt.Dur > 0 {
				s.sourceRuntime.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
			}
		case progress.StageListingPage:
			if evt.Dur > 0 {
				s.listingLatency.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
			}
			if evt.Candidates > 0 {
				s.candidates.WithLabelValues(evt.Source).Add(float64(evt.Candidates))
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
