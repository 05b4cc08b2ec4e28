package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incremental-crawler/internal/clock/system"
	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/dedup"
	"github.com/JakeFAU/incremental-crawler/internal/retry"
	"github.com/JakeFAU/incremental-crawler/internal/storage/memory"
)

type scriptedAdapter struct {
	mu    sync.Mutex
	pages map[string]crawler.ListingPage
	errs  map[string]error
	calls []string
	store crawler.CheckpointStore
	// saved records the checkpoint visible when each listing was requested.
	saved map[string]crawler.CrawlCursor
}

func newScriptedAdapter(store crawler.CheckpointStore) *scriptedAdapter {
	return &scriptedAdapter{
		pages: make(map[string]crawler.ListingPage),
		errs:  make(map[string]error),
		store: store,
		saved: make(map[string]crawler.CrawlCursor),
	}
}

func pageKey(category string, offset int) string {
	return fmt.Sprintf("%s:%d", category, offset)
}

func (a *scriptedAdapter) page(category string, offset int, hasMore bool, urls ...string) {
	links := make([]crawler.CandidateLink, 0, len(urls))
	for _, u := range urls {
		links = append(links, crawler.CandidateLink{URL: u, CategoryID: category})
	}
	a.pages[pageKey(category, offset)] = crawler.ListingPage{Candidates: links, HasMore: hasMore}
}

func (a *scriptedAdapter) ID() string { return "S" }

func (a *scriptedAdapter) FetchListing(ctx context.Context, cursor crawler.CrawlCursor) (crawler.ListingPage, error) {
	key := pageKey(cursor.CategoryID, cursor.Offset)
	saved, _, _ := a.store.Load(ctx, "S")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, key)
	a.saved[key] = saved
	if err, ok := a.errs[key]; ok {
		return crawler.ListingPage{}, err
	}
	return a.pages[key], nil
}

func (a *scriptedAdapter) FetchDetail(context.Context, crawler.CandidateLink) (map[string]string, error) {
	return nil, errors.New("not used")
}

func (a *scriptedAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type recordingDispatcher struct {
	links []crawler.CandidateLink
	hook  func(crawler.CandidateLink)
}

func (d *recordingDispatcher) Dispatch(_ context.Context, link crawler.CandidateLink) error {
	d.links = append(d.links, link)
	if d.hook != nil {
		d.hook(link)
	}
	return nil
}

func (d *recordingDispatcher) URLs() []string {
	out := make([]string, 0, len(d.links))
	for _, l := range d.links {
		out = append(out, l.URL)
	}
	return out
}

type fixture struct {
	store   *memory.CheckpointStore
	adapter *scriptedAdapter
	index   *dedup.Index
	clock   *system.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewCheckpointStore()
	clk := system.NewManual(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	index := dedup.New(memory.NewDedupLog(), clk, nil)
	require.NoError(t, index.Load(context.Background(), "S"))
	return &fixture{store: store, adapter: newScriptedAdapter(store), index: index, clock: clk}
}

func (f *fixture) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()
	cfg.SourceID = "S"
	if cfg.Categories == nil {
		cfg.Categories = []string{"c0", "c1"}
	}
	c, err := New(cfg, Deps{
		Adapter:     f.adapter,
		Checkpoints: f.store,
		Known:       f.index,
		Governor: retry.New(retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Scope:       "S",
			Sleep:       func(context.Context, time.Duration) error { return nil },
		}),
		Clock: f.clock,
	})
	require.NoError(t, err)
	return c
}

func TestControllerTwoCategoryScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/u1", "https://s.example/u2")
	f.adapter.page("c0", 1, true)
	f.adapter.page("c1", 0, true)

	d := &recordingDispatcher{}
	stats, err := f.controller(t, Config{}).Run(context.Background(), d)
	require.NoError(t, err)

	require.Equal(t, []string{"c0:0", "c0:1", "c1:0"}, f.adapter.Calls())
	require.Equal(t, []string{"https://s.example/u1", "https://s.example/u2"}, d.URLs())
	require.Equal(t, 2, stats.Dispatched)
	require.Equal(t, 3, stats.Pages)
	require.Equal(t, 2, stats.Categories)

	// Each fetch saw the checkpoint written after the previous transition.
	require.Equal(t, 1, f.adapter.saved["c0:1"].Offset)
	require.Equal(t, "c0", f.adapter.saved["c0:1"].CategoryID)
	require.Equal(t, "c1", f.adapter.saved["c1:0"].CategoryID)
	require.Equal(t, 0, f.adapter.saved["c1:0"].Offset)

	final, ok, err := f.store.Load(context.Background(), "S")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, final.Completed)
	require.Equal(t, "c1", final.CategoryID)
}

func TestControllerResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.store.Save(context.Background(), crawler.CrawlCursor{SourceID: "S", CategoryID: "c1", Offset: 40}))
	f.adapter.page("c0", 0, true, "https://s.example/never")
	f.adapter.page("c1", 40, true, "https://s.example/a")
	f.adapter.page("c1", 60, true)

	d := &recordingDispatcher{}
	_, err := f.controller(t, Config{PageStep: 20}).Run(context.Background(), d)
	require.NoError(t, err)

	require.Equal(t, []string{"c1:40", "c1:60"}, f.adapter.Calls())
	require.Equal(t, []string{"https://s.example/a"}, d.URLs())
}

func TestControllerCompletedOrUnknownCheckpointStartsOver(t *testing.T) {
	t.Parallel()

	for _, saved := range []crawler.CrawlCursor{
		{SourceID: "S", CategoryID: "c1", Offset: 7, Completed: true},
		{SourceID: "S", CategoryID: "retired", Offset: 7},
	} {
		f := newFixture(t)
		require.NoError(t, f.store.Save(context.Background(), saved))
		c := f.controller(t, Config{StartOffset: 1})
		cursor, err := c.Resume(context.Background())
		require.NoError(t, err)
		require.Equal(t, "c0", cursor.CategoryID)
		require.Equal(t, 1, cursor.Offset)
	}
}

func TestControllerStopsOnFullyKnownPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.index.Record(ctx, "S", "https://s.example/u1"))
	require.NoError(t, f.index.Record(ctx, "S", "https://s.example/u2"))
	f.adapter.page("c0", 0, true, "https://S.example/u1#frag", "https://s.example/u2")
	f.adapter.page("c1", 0, false, "https://s.example/u3", "https://s.example/u2")

	d := &recordingDispatcher{}
	stats, err := f.controller(t, Config{}).Run(ctx, d)
	require.NoError(t, err)

	require.Equal(t, []string{"c0:0", "c1:0"}, f.adapter.Calls())
	require.Equal(t, []string{"https://s.example/u3"}, d.URLs())
	require.Equal(t, 3, stats.Known)
}

func TestControllerStopsWhenPageRepeats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/u1")
	f.adapter.page("c0", 1, true, "https://s.example/u1")

	d := &recordingDispatcher{}
	_, err := f.controller(t, Config{Categories: []string{"c0"}}).Run(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, []string{"c0:0", "c0:1"}, f.adapter.Calls())
	require.Len(t, d.links, 1)
}

func TestControllerListingFailuresAreSoftStops(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.errs["c0:0"] = crawler.NewError(crawler.KindTransientFetch, "fetch", "u", errors.New("timeout"))
	f.adapter.errs["c1:0"] = crawler.NewError(crawler.KindMalformedListing, "decode", "u", errors.New("not json"))
	f.adapter.errs["c2:0"] = &crawler.StatusError{URL: "u", Code: 404}

	stats, err := f.controller(t, Config{Categories: []string{"c0", "c1", "c2"}}).
		Run(context.Background(), &recordingDispatcher{})
	require.NoError(t, err)
	require.Equal(t, []string{"c0:0", "c0:0", "c0:0", "c1:0", "c2:0"}, f.adapter.Calls())
	require.Equal(t, 2, stats.Retries)
	require.Equal(t, 3, stats.Categories)

	final, _, _ := f.store.Load(context.Background(), "S")
	require.True(t, final.Completed)
}

func TestControllerFatalListingErrorEndsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.errs["c0:0"] = crawler.Errorf(crawler.KindFatalConfig, "listing", "category url has no scheme")

	_, err := f.controller(t, Config{}).Run(context.Background(), &recordingDispatcher{})
	require.True(t, crawler.IsFatal(err))
	require.Equal(t, []string{"c0:0"}, f.adapter.Calls())
}

func TestControllerCutoffStopsCategory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/new", "https://s.example/old")
	f.adapter.page("c0", 1, true, "https://s.example/older")
	f.adapter.page("c1", 0, false, "https://s.example/other")

	c := f.controller(t, Config{})
	d := &recordingDispatcher{}
	d.hook = func(link crawler.CandidateLink) {
		if link.URL == "https://s.example/old" {
			c.ReportCutoff(link.CategoryID)
		}
	}
	_, err := c.Run(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, []string{"c0:0", "c1:0"}, f.adapter.Calls())
	require.Equal(t, []string{"https://s.example/new", "https://s.example/old", "https://s.example/other"}, d.URLs())
}

// asyncDispatcher finishes candidates on other goroutines after a delay,
// the way a worker pool does.
type asyncDispatcher struct {
	c     *Controller
	delay time.Duration
	stale string
}

func (d *asyncDispatcher) Dispatch(_ context.Context, link crawler.CandidateLink) error {
	go func() {
		time.Sleep(d.delay)
		if link.URL == d.stale {
			d.c.ReportCutoff(link.CategoryID)
		}
		d.c.ReportDone(link)
	}()
	return nil
}

func TestControllerSettlePagesStopsOnLateCutoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/new", "https://s.example/old")
	f.adapter.page("c0", 1, true, "https://s.example/older")
	f.adapter.page("c0", 2, true, "https://s.example/oldest")
	f.adapter.page("c1", 0, false, "https://s.example/other")

	c := f.controller(t, Config{SettlePages: true})
	d := &asyncDispatcher{c: c, delay: 20 * time.Millisecond, stale: "https://s.example/old"}
	_, err := c.Run(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, []string{"c0:0", "c1:0"}, f.adapter.Calls())
}

func TestControllerSettlePagesHonorsCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := f.controller(t, Config{Categories: []string{"c0"}, SettlePages: true})
	// Nothing ever reports the candidate done.
	d := &recordingDispatcher{hook: func(crawler.CandidateLink) { cancel() }}
	_, err := c.Run(ctx, d)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"c0:0"}, f.adapter.Calls())
}

func TestControllerMaxPages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/1")
	f.adapter.page("c0", 1, true, "https://s.example/2")

	_, err := f.controller(t, Config{Categories: []string{"c0"}, MaxPages: 1}).
		Run(context.Background(), &recordingDispatcher{})
	require.NoError(t, err)
	require.Equal(t, []string{"c0:0"}, f.adapter.Calls())
}

func TestControllerCancelThenFlush(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.page("c0", 0, true, "https://s.example/1")
	f.adapter.page("c0", 1, true, "https://s.example/2", "https://s.example/3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := f.controller(t, Config{Categories: []string{"c0"}})
	d := &cancelingDispatcher{cancel: cancel, after: 2}
	_, err := c.Run(ctx, d)
	require.ErrorIs(t, err, context.Canceled)

	// The page being dispatched was not checkpointed past.
	require.Equal(t, 1, c.Cursor().Offset)
	require.NoError(t, c.Flush(context.Background()))
	saved, _, _ := f.store.Load(context.Background(), "S")
	require.Equal(t, 1, saved.Offset)
	require.False(t, saved.Completed)
}

type cancelingDispatcher struct {
	n      int
	after  int
	cancel context.CancelFunc
}

func (d *cancelingDispatcher) Dispatch(ctx context.Context, _ crawler.CandidateLink) error {
	d.n++
	if d.n == d.after {
		d.cancel()
		return ctx.Err()
	}
	return nil
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SourceID: "S"}, Deps{})
	require.True(t, crawler.IsFatal(err))
	_, err = New(Config{}, Deps{})
	require.True(t, crawler.IsFatal(err))
}

func TestCandidateKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "lahore|2024-03-05", CandidateKey(crawler.CandidateLink{Key: "lahore|2024-03-05", URL: "https://x"}))
	require.Equal(t, "https://s.example/a", CandidateKey(crawler.CandidateLink{URL: "HTTPS://S.example/a#x"}))
	require.Empty(t, CandidateKey(crawler.CandidateLink{URL: "::"}))
}
