package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCheckpointStore()
	_, ok, err := store.Load(ctx, "S")
	require.NoError(t, err)
	require.False(t, ok)

	cursor := crawler.CrawlCursor{SourceID: "S", CategoryID: "c1", Offset: 40, UpdatedAt: time.Unix(10, 0).UTC()}
	require.NoError(t, store.Save(ctx, cursor))
	got, ok, err := store.Load(ctx, "S")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cursor, got)
	require.Equal(t, 1, store.Saves())
}

func TestDedupLogAppendIsolatedPerSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := NewDedupLog()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, log.Append(ctx, "A", crawler.DedupEntry{NaturalKey: "k"}))
		}()
	}
	wg.Wait()
	require.NoError(t, log.Append(ctx, "B", crawler.DedupEntry{NaturalKey: "other"}))

	a, err := log.LoadAll(ctx, "A")
	require.NoError(t, err)
	require.Len(t, a, 20)
	b, err := log.LoadAll(ctx, "B")
	require.NoError(t, err)
	require.Len(t, b, 1)
}

func TestRecordSinkUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := NewRecordSink()
	res, err := sink.Upsert(ctx, "news_raw", "https://s.example/1", map[string]string{"title": "a"})
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertInserted, res)

	res, err = sink.Upsert(ctx, "news_raw", "https://s.example/1", map[string]string{"title": "b"})
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUpdated, res)

	rec, ok := sink.Get("news_raw", "https://s.example/1")
	require.True(t, ok)
	require.Equal(t, "b", rec.Fields["title"])
	require.Equal(t, 2, rec.Writes)
	require.Equal(t, 1, sink.Count("news_raw"))

	_, err = sink.Upsert(ctx, "", "k", nil)
	require.Equal(t, crawler.KindPersistenceRejected, crawler.KindOf(err))
}
