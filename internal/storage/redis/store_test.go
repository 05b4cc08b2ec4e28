package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx := context.Background()
	store := NewCheckpointStore(client, "test:")

	_, ok, err := store.Load(ctx, "jang")
	require.NoError(t, err)
	require.False(t, ok)

	cursor := crawler.CrawlCursor{
		SourceID:   "jang",
		CategoryID: "national",
		Offset:     20,
		UpdatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, cursor))
	require.True(t, srv.Exists("test:checkpoint:jang"))

	got, ok, err := store.Load(ctx, "jang")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cursor, got)

	require.NoError(t, srv.Set("test:checkpoint:broken", "{not json"))
	_, _, err = store.Load(ctx, "broken")
	require.Error(t, err)
}

func TestDedupLogKeepsFirstSeen(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx := context.Background()
	log := NewDedupLog(client, "")

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(ctx, "geo", crawler.DedupEntry{NaturalKey: "k1", FirstSeenAt: first}))
	require.NoError(t, log.Append(ctx, "geo", crawler.DedupEntry{NaturalKey: "k1", FirstSeenAt: first.Add(time.Hour)}))
	for i := 0; i < 1500; i++ {
		require.NoError(t, log.Append(ctx, "geo", crawler.DedupEntry{NaturalKey: fmt.Sprintf("bulk-%d", i), FirstSeenAt: first}))
	}

	entries, err := log.LoadAll(ctx, "geo")
	require.NoError(t, err)
	require.Len(t, entries, 1501)
	for _, e := range entries {
		if e.NaturalKey == "k1" {
			require.True(t, first.Equal(e.FirstSeenAt))
		}
	}

	other, err := log.LoadAll(ctx, "dawn")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestNewClientRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
}
