// Package pagination walks one source's categories page by page. It is the
// only writer of the source's cursor: each page is dispatched, then the
// advanced cursor is checkpointed before the next listing fetch.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
	"github.com/JakeFAU/incremental-crawler/internal/retry"
)

// Stop reasons, used in logs, metrics and progress notes.
const (
	StopEmpty     = "empty"
	StopAllKnown  = "all_known"
	StopNoMore    = "no_more_pages"
	StopMalformed = "malformed"
	StopExhausted = "retries_exhausted"
	StopPermanent = "permanent_error"
	StopCutoff    = "cutoff"
	StopMaxPages  = "max_pages"
)

// Config describes one source's pagination.
type Config struct {
	SourceID string
	// Categories are crawled in order; empty means a single "default".
	Categories  []string
	StartOffset int
	// PageStep is added to the offset per page: 1 for page numbers, the
	// page size for offset-based endpoints.
	PageStep int
	// MaxPages caps pages per category per run; 0 means unlimited.
	MaxPages int
	// SettlePages holds the next listing fetch until every candidate of the
	// current page has been processed. Sources whose records can stop a
	// category, such as a date cutoff, need it.
	SettlePages bool
	RunID       [16]byte
}

// Known reports whether a natural key has already been persisted.
type Known interface {
	Contains(sourceID, key string) bool
}

// Pacer delays requests to a source and learns from each response.
type Pacer interface {
	Wait(ctx context.Context, sourceID string) error
	Observe(sourceID string, err error)
}

// Dispatcher accepts a candidate for detail processing. It may block until
// capacity frees up and must not return before the candidate is owned.
type Dispatcher interface {
	Dispatch(ctx context.Context, link crawler.CandidateLink) error
}

// Deps are the controller's collaborators. Pacer, Emitter, Clock and
// Logger are optional.
type Deps struct {
	Adapter     crawler.SourceAdapter
	Checkpoints crawler.CheckpointStore
	Known       Known
	Governor    *retry.Governor
	Pacer       Pacer
	Emitter     progress.Emitter
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Controller is the sequential state owner of one source.
type Controller struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	cursor  crawler.CrawlCursor
	cutoff  map[string]struct{}
	pending int
	settled chan struct{}

	seen  map[string]struct{}
	stats crawler.SourceStats
}

// New builds a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.SourceID == "" {
		return nil, crawler.Errorf(crawler.KindFatalConfig, "pagination", "source id is required")
	}
	if deps.Adapter == nil || deps.Checkpoints == nil || deps.Known == nil || deps.Governor == nil {
		return nil, crawler.Errorf(crawler.KindFatalConfig, "pagination", "%s: missing dependency", cfg.SourceID)
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"default"}
	}
	if cfg.PageStep <= 0 {
		cfg.PageStep = 1
	}
	if cfg.StartOffset < 0 {
		cfg.StartOffset = 0
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.With(zap.String("source", cfg.SourceID))
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		cutoff: make(map[string]struct{}),
		seen:   make(map[string]struct{}),
		stats:  crawler.SourceStats{SourceID: cfg.SourceID},
	}, nil
}

// Cursor returns the current cursor.
func (c *Controller) Cursor() crawler.CrawlCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// ReportCutoff tells the controller a record in categoryID fell before the
// configured cutoff. The category stops before its next listing fetch.
func (c *Controller) ReportCutoff(categoryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoff[categoryID] = struct{}{}
}

// ReportDone tells the controller a dispatched candidate has finished,
// whatever its outcome.
func (c *Controller) ReportDone(crawler.CandidateLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending <= 0 && c.settled != nil {
		close(c.settled)
		c.settled = nil
	}
}

// awaitPage blocks until no dispatched candidate is outstanding.
func (c *Controller) awaitPage(ctx context.Context) error {
	c.mu.Lock()
	if c.pending <= 0 {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.settled = ch
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) track(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending += delta
}

// Resume loads the checkpoint and positions the cursor. A missing, completed
// or unrecognized checkpoint starts at the first category.
func (c *Controller) Resume(ctx context.Context) (crawler.CrawlCursor, error) {
	saved, found, err := c.deps.Checkpoints.Load(ctx, c.cfg.SourceID)
	if err != nil {
		return crawler.CrawlCursor{}, fmt.Errorf("load checkpoint %s: %w", c.cfg.SourceID, err)
	}
	cursor := c.categoryStart(0)
	switch {
	case !found:
	case saved.Completed:
		c.deps.Logger.Info("previous pass completed, starting new pass",
			zap.String("category", saved.CategoryID), zap.Int("offset", saved.Offset))
	case c.categoryIndex(saved.CategoryID) < 0:
		c.deps.Logger.Warn("checkpoint names unknown category, starting over",
			zap.String("category", saved.CategoryID), zap.Int("offset", saved.Offset))
	default:
		cursor.CategoryID = saved.CategoryID
		cursor.Offset = max(saved.Offset, c.cfg.StartOffset)
		c.deps.Logger.Info("resuming from checkpoint",
			zap.String("category", cursor.CategoryID), zap.Int("offset", cursor.Offset))
	}
	c.setCursor(cursor)
	return cursor, nil
}

// Run crawls from the resumed cursor until every category stops or ctx is
// canceled. Per-page failures end only their category; the returned error
// is non-nil for cancellation, a checkpoint write failure or a fatal config
// error from the adapter.
func (c *Controller) Run(ctx context.Context, d Dispatcher) (crawler.SourceStats, error) {
	cursor, err := c.Resume(ctx)
	if err != nil {
		return c.snapshot(), err
	}
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return c.snapshot(), fmt.Errorf("pagination %s: %w", c.cfg.SourceID, err)
		}
		if reason, stop := c.preFetchStop(cursor.CategoryID, pages); stop {
			next, done, err := c.advance(ctx, cursor, reason, nil)
			if err != nil || done {
				return c.snapshot(), err
			}
			cursor, pages = next, 0
			continue
		}

		page, fetchErr := c.fetch(ctx, cursor)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return c.snapshot(), fmt.Errorf("pagination %s: %w", c.cfg.SourceID, ctx.Err())
			}
			if crawler.IsFatal(fetchErr) {
				return c.snapshot(), fmt.Errorf("pagination %s: %w", c.cfg.SourceID, fetchErr)
			}
			next, done, err := c.advance(ctx, cursor, stopReasonFor(fetchErr), fetchErr)
			if err != nil || done {
				return c.snapshot(), err
			}
			cursor, pages = next, 0
			continue
		}
		pages++

		fresh := c.filter(page.Candidates)
		for _, link := range fresh {
			c.track(1)
			if err := d.Dispatch(ctx, link); err != nil {
				c.track(-1)
				return c.snapshot(), fmt.Errorf("dispatch %s: %w", link.URL, err)
			}
			c.addStats(func(s *crawler.SourceStats) { s.Dispatched++ })
		}
		if c.cfg.SettlePages && len(fresh) > 0 {
			if err := c.awaitPage(ctx); err != nil {
				return c.snapshot(), fmt.Errorf("pagination %s: %w", c.cfg.SourceID, err)
			}
			if reason, stop := c.preFetchStop(cursor.CategoryID, 0); stop {
				next, done, err := c.advance(ctx, cursor, reason, nil)
				if err != nil || done {
					return c.snapshot(), err
				}
				cursor, pages = next, 0
				continue
			}
		}

		reason := ""
		switch {
		case len(page.Candidates) == 0:
			reason = StopEmpty
		case len(fresh) == 0:
			reason = StopAllKnown
		case !page.HasMore:
			reason = StopNoMore
		}
		if reason != "" {
			next, done, err := c.advance(ctx, cursor, reason, nil)
			if err != nil || done {
				return c.snapshot(), err
			}
			cursor, pages = next, 0
			continue
		}

		cursor.Offset += c.cfg.PageStep
		if err := c.save(ctx, cursor); err != nil {
			return c.snapshot(), err
		}
	}
}

// Flush writes the current cursor. The coordinator calls it after Run
// returns so an interrupted source resumes from its last position.
func (c *Controller) Flush(ctx context.Context) error {
	cursor := c.Cursor()
	if cursor.CategoryID == "" {
		return nil
	}
	return c.save(ctx, cursor)
}

func (c *Controller) fetch(ctx context.Context, cursor crawler.CrawlCursor) (crawler.ListingPage, error) {
	opID := "listing:" + c.cfg.SourceID + ":" + cursor.CategoryID + ":" + strconv.Itoa(cursor.Offset)
	start := c.deps.Clock.Now()
	before := c.deps.Governor.Retries()
	page, err := retry.Do(ctx, c.deps.Governor, opID, func(ctx context.Context) (crawler.ListingPage, error) {
		if c.deps.Pacer != nil {
			if err := c.deps.Pacer.Wait(ctx, c.cfg.SourceID); err != nil {
				return crawler.ListingPage{}, fmt.Errorf("pace listing: %w", err)
			}
		}
		page, err := c.deps.Adapter.FetchListing(ctx, cursor)
		if c.deps.Pacer != nil {
			c.deps.Pacer.Observe(c.cfg.SourceID, err)
		}
		return page, err
	})
	retries := c.deps.Governor.Retries() - before
	dur := c.deps.Clock.Now().Sub(start)
	c.addStats(func(s *crawler.SourceStats) { s.Retries += retries })

	result := "ok"
	evt := c.event(progress.StageListingPage, cursor)
	evt.Dur = max(dur, 0)
	if err != nil {
		result = string(crawler.KindOf(err))
		evt.ErrorKind = crawler.KindOf(err)
		evt.Note = err.Error()
	} else {
		c.addStats(func(s *crawler.SourceStats) { s.Pages++ })
		evt.Candidates = len(page.Candidates)
	}
	metrics.ObserveListingPage(c.cfg.SourceID, result)
	c.deps.Emitter.Emit(evt)
	return page, err
}

// filter drops candidates already persisted or already dispatched in this
// run. Only the controller goroutine touches seen.
func (c *Controller) filter(links []crawler.CandidateLink) []crawler.CandidateLink {
	fresh := make([]crawler.CandidateLink, 0, len(links))
	known := 0
	for _, link := range links {
		key := CandidateKey(link)
		if key == "" {
			c.deps.Logger.Warn("candidate skipped: unusable url",
				zap.String("url", link.URL),
				zap.String("error_kind", string(crawler.KindPermanentFetch)))
			continue
		}
		if _, dup := c.seen[key]; dup {
			continue
		}
		if c.deps.Known.Contains(c.cfg.SourceID, key) {
			known++
			continue
		}
		c.seen[key] = struct{}{}
		if link.SourceID == "" {
			link.SourceID = c.cfg.SourceID
		}
		fresh = append(fresh, link)
	}
	if known > 0 {
		c.addStats(func(s *crawler.SourceStats) { s.Known += known })
	}
	return fresh
}

func (c *Controller) preFetchStop(categoryID string, pages int) (string, bool) {
	c.mu.Lock()
	_, cut := c.cutoff[categoryID]
	c.mu.Unlock()
	if cut {
		return StopCutoff, true
	}
	if c.cfg.MaxPages > 0 && pages >= c.cfg.MaxPages {
		return StopMaxPages, true
	}
	return "", false
}

// advance ends the current category and checkpoints the next position. done
// is true once the last category has stopped.
func (c *Controller) advance(
	ctx context.Context,
	cursor crawler.CrawlCursor,
	reason string,
	cause error,
) (crawler.CrawlCursor, bool, error) {
	fields := []zap.Field{
		zap.String("category", cursor.CategoryID),
		zap.Int("offset", cursor.Offset),
		zap.String("reason", reason),
	}
	if cause != nil {
		c.deps.Logger.Warn("category stopped on listing error",
			append(fields, zap.String("error_kind", string(crawler.KindOf(cause))), zap.Error(cause))...)
	} else {
		c.deps.Logger.Info("category stopped", fields...)
	}
	metrics.ObserveCategoryStop(c.cfg.SourceID, reason)
	evt := c.event(progress.StageCategoryStop, cursor)
	evt.Note = reason
	if cause != nil {
		evt.ErrorKind = crawler.KindOf(cause)
	}
	c.deps.Emitter.Emit(evt)
	c.addStats(func(s *crawler.SourceStats) { s.Categories++ })

	idx := c.categoryIndex(cursor.CategoryID)
	if idx+1 >= len(c.cfg.Categories) {
		cursor.Completed = true
		if err := c.save(ctx, cursor); err != nil {
			return cursor, true, err
		}
		return cursor, true, nil
	}
	next := c.categoryStart(idx + 1)
	if err := c.save(ctx, next); err != nil {
		return next, false, err
	}
	return next, false, nil
}

func (c *Controller) save(ctx context.Context, cursor crawler.CrawlCursor) error {
	cursor.SourceID = c.cfg.SourceID
	cursor.UpdatedAt = c.deps.Clock.Now()
	err := c.deps.Checkpoints.Save(ctx, cursor)
	metrics.ObserveCheckpoint(c.cfg.SourceID, err)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.cfg.SourceID, err)
	}
	c.setCursor(cursor)
	evt := c.event(progress.StageCheckpoint, cursor)
	if cursor.Completed {
		evt.Note = "completed"
	}
	c.deps.Emitter.Emit(evt)
	return nil
}

func (c *Controller) categoryStart(idx int) crawler.CrawlCursor {
	return crawler.CrawlCursor{
		SourceID:   c.cfg.SourceID,
		CategoryID: c.cfg.Categories[idx],
		Offset:     c.cfg.StartOffset,
	}
}

func (c *Controller) categoryIndex(id string) int {
	for i, cat := range c.cfg.Categories {
		if cat == id {
			return i
		}
	}
	return -1
}

func (c *Controller) setCursor(cursor crawler.CrawlCursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = cursor
}

func (c *Controller) addStats(fn func(*crawler.SourceStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

func (c *Controller) snapshot() crawler.SourceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) event(stage progress.Stage, cursor crawler.CrawlCursor) progress.Event {
	return progress.Event{
		RunID:    c.cfg.RunID,
		TS:       c.deps.Clock.Now(),
		Stage:    stage,
		Source:   c.cfg.SourceID,
		Category: cursor.CategoryID,
		Offset:   cursor.Offset,
	}
}

// CandidateKey is the dedup key checked before a detail fetch: the
// adapter-supplied key, or else the canonical URL.
func CandidateKey(link crawler.CandidateLink) string {
	if link.Key != "" {
		return link.Key
	}
	key, err := crawler.NormalizeURL(link.URL)
	if err != nil {
		return ""
	}
	return key
}

func stopReasonFor(err error) string {
	switch {
	case errors.Is(err, retry.ErrExhausted):
		return StopExhausted
	case crawler.KindOf(err) == crawler.KindMalformedListing:
		return StopMalformed
	default:
		return StopPermanent
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
