package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
)

func sampleBatch() []progress.Event {
	runID := [16]byte(uuid.New())
	now := time.Now()
	return []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageSourceStart, Source: "dawn"},
		{
			RunID: runID, TS: now, Stage: progress.StageListingPage, Source: "dawn",
			Category: "business", Offset: 20, Candidates: 12, Dur: 300 * time.Millisecond,
		},
		{RunID: runID, TS: now, Stage: progress.StageRecord, Source: "dawn", Outcome: crawler.OutcomeInserted},
		{RunID: runID, TS: now, Stage: progress.StageRecord, Source: "dawn", Outcome: crawler.OutcomeDropped},
		{RunID: runID, TS: now, Stage: progress.StageCategoryStop, Source: "dawn", Category: "business", Note: "empty_page"},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageSourceDone, Source: "dawn", Dur: time.Minute},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourcesDone.WithLabelValues("dawn", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sourcesRunning))
	require.InDelta(t, 12.0, testutil.ToFloat64(sink.candidates.WithLabelValues("dawn")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.listingLatency, "crawler_listing_fetch_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration")
}

func TestStatusSinkTracksSource(t *testing.T) {
	t.Parallel()

	sink := NewStatusSink()
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	st, ok := sink.Source("dawn")
	require.True(t, ok)
	require.Equal(t, StateDone, st.State)
	require.Equal(t, "business", st.Category)
	require.Equal(t, 20, st.Offset)
	require.Equal(t, 1, st.Pages)
	require.Equal(t, 1, st.Inserted())
	require.Equal(t, 1, st.Outcomes["dropped"])
	require.Equal(t, "business: empty_page", st.LastStop)

	runID := [16]byte(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageSourceStart, Source: "geo"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageSourceError, Source: "geo", Note: "boom"},
	}))
	snap := sink.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "dawn", snap[0].Source)
	require.Equal(t, StateFailed, snap[1].State)
	require.Equal(t, "boom", snap[1].LastError)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	// Records and listing pages are debug-only.
	require.Equal(t, 4, logs.Len())
}
