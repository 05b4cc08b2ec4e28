package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
	"github.com/JakeFAU/incremental-crawler/internal/progress/sinks"
	"github.com/JakeFAU/incremental-crawler/internal/storage/memory"
)

type failingCursors struct{}

func (failingCursors) Load(context.Context, string) (crawler.CrawlCursor, bool, error) {
	return crawler.CrawlCursor{}, false, errors.New("redis down")
}

func newFixture(t *testing.T) (*Server, *sinks.StatusSink) {
	t.Helper()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	status := sinks.NewStatusSink()
	require.NoError(t, status.Consume(context.Background(), []progress.Event{
		{TS: ts, Stage: progress.StageSourceStart, Source: "dawn"},
		{TS: ts, Stage: progress.StageListingPage, Source: "dawn", Category: "business", Offset: 2},
		{TS: ts, Stage: progress.StageRecord, Source: "dawn", Outcome: crawler.OutcomeInserted},
	}))

	checkpoints := memory.NewCheckpointStore()
	require.NoError(t, checkpoints.Save(context.Background(), crawler.CrawlCursor{
		SourceID: "dawn", CategoryID: "business", Offset: 3, UpdatedAt: ts,
	}))

	handler := NewSourcesHandler([]string{"dawn", "dunya"}, status, checkpoints, zap.NewNop())
	return NewServer(handler, zap.NewNop()), status
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerProbes(t *testing.T) {
	t.Parallel()

	server, _ := newFixture(t)
	rec := serve(server, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusServiceUnavailable, serve(server, http.MethodGet, "/readyz").Code)
	server.SetReady(true)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz").Code)
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()

	server, _ := newFixture(t)
	rec := serve(server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# TYPE")
}

func TestListSources(t *testing.T) {
	t.Parallel()

	server, _ := newFixture(t)
	rec := serve(server, http.MethodGet, "/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sources []sourceDTO `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)

	dawn := body.Sources[0]
	require.Equal(t, "dawn", dawn.ID)
	require.NotNil(t, dawn.Status)
	require.Equal(t, sinks.StateRunning, dawn.Status.State)
	require.Equal(t, 1, dawn.Status.Pages)
	require.Equal(t, 1, dawn.Status.Inserted())
	require.NotNil(t, dawn.Cursor)
	require.Equal(t, "business", dawn.Cursor.Category)
	require.Equal(t, 3, dawn.Cursor.Offset)

	dunya := body.Sources[1]
	require.Equal(t, "dunya", dunya.ID)
	require.Nil(t, dunya.Status)
	require.Nil(t, dunya.Cursor)
}

func TestGetSource(t *testing.T) {
	t.Parallel()

	server, _ := newFixture(t)
	rec := serve(server, http.MethodGet, "/v1/sources/dawn")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"offset":3`)

	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/sources/ghost").Code)
}

func TestGetSourceCheckpointFailure(t *testing.T) {
	t.Parallel()

	handler := NewSourcesHandler([]string{"dawn"}, nil, failingCursors{}, nil)
	server := NewServer(handler, nil)

	require.Equal(t, http.StatusInternalServerError, serve(server, http.MethodGet, "/v1/sources/dawn").Code)

	// The listing degrades to status-only entries instead of failing.
	rec := serve(server, http.MethodGet, "/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"dawn"`)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
