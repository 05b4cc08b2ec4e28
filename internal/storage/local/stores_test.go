package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/storage/local"
)

func TestCheckpointStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	store, err := local.NewCheckpointStore(local.Config{BaseDir: dir})
	require.NoError(t, err)

	_, ok, err := store.Load(ctx, "dawn")
	require.NoError(t, err)
	require.False(t, ok)

	cursor := crawler.CrawlCursor{
		SourceID:   "dawn",
		CategoryID: "business",
		Offset:     40,
		UpdatedAt:  time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, cursor))

	reopened, err := local.NewCheckpointStore(local.Config{BaseDir: dir})
	require.NoError(t, err)
	got, ok, err := reopened.Load(ctx, "dawn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cursor, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not linger")
}

func TestCheckpointStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.checkpoint.yaml"), []byte("offset: [unterminated"), 0o600))
	store, err := local.NewCheckpointStore(local.Config{BaseDir: dir})
	require.NoError(t, err)
	_, _, err = store.Load(context.Background(), "s")
	require.Error(t, err)
}

func TestDedupLogReplay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	log, err := local.NewDedupLog(local.Config{BaseDir: dir}, nil)
	require.NoError(t, err)

	require.NoError(t, log.Append(ctx, "dawn", crawler.DedupEntry{NaturalKey: "https://dawn.com/1"}))
	require.NoError(t, log.Append(ctx, "dawn", crawler.DedupEntry{NaturalKey: "https://dawn.com/2"}))
	require.NoError(t, log.Append(ctx, "geo", crawler.DedupEntry{NaturalKey: "https://geo.tv/1"}))

	// Simulate a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, "dawn.dedup.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"natural_key":"https://da`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := local.NewDedupLog(local.Config{BaseDir: dir}, nil)
	require.NoError(t, err)
	entries, err := reopened.LoadAll(ctx, "dawn")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "https://dawn.com/2", entries[1].NaturalKey)

	require.NoError(t, reopened.Append(ctx, "dawn", crawler.DedupEntry{NaturalKey: "https://dawn.com/3"}))
	entries, err = reopened.LoadAll(ctx, "dawn")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "https://dawn.com/3", entries[2].NaturalKey)

	// The torn fragment was cut, not buried mid-file.
	raw, err := os.ReadFile(filepath.Join(dir, "dawn.dedup.jsonl"))
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(string(raw), "natural_key"))
	require.Equal(t, 3, strings.Count(string(raw), "\n"))

	none, err := reopened.LoadAll(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestDedupLogWarnsOnCorruptLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := `{"natural_key":"https://dawn.com/1"}
not json at all
{"natural_key":"https://dawn.com/2"}
{"natural_key":"https://da`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dawn.dedup.jsonl"), []byte(body), 0o600))

	core, logs := observer.New(zapcore.InfoLevel)
	log, err := local.NewDedupLog(local.Config{BaseDir: dir}, zap.New(core))
	require.NoError(t, err)
	entries, err := log.LoadAll(context.Background(), "dawn")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	warned := logs.FilterMessage("skipped corrupt dedup log lines").All()
	require.Len(t, warned, 1)
	require.Equal(t, zapcore.WarnLevel, warned[0].Level)
	require.Equal(t, []any{2}, warned[0].ContextMap()["lines"])
	require.Equal(t, 1, logs.FilterMessage("ignoring torn trailing dedup log line").Len())
}
