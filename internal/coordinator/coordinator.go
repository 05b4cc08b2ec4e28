// Package coordinator runs every configured source to completion with
// bounded parallelism, isolating failures per source.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/dedup"
	"github.com/JakeFAU/incremental-crawler/internal/dispatcher"
	"github.com/JakeFAU/incremental-crawler/internal/id/uuid"
	"github.com/JakeFAU/incremental-crawler/internal/normalize"
	"github.com/JakeFAU/incremental-crawler/internal/pagination"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
	"github.com/JakeFAU/incremental-crawler/internal/queue/memory"
	"github.com/JakeFAU/incremental-crawler/internal/retry"
	"github.com/JakeFAU/incremental-crawler/internal/worker"
)

const (
	defaultGracePeriod  = 30 * time.Second
	defaultFlushTimeout = 10 * time.Second
)

// Config controls a run.
type Config struct {
	// Parallelism caps how many sources run at once.
	Parallelism int
	// GracePeriod bounds how long in-flight candidates may run after a
	// stop signal before they are abandoned.
	GracePeriod  time.Duration
	FlushTimeout time.Duration
	// Topic receives record notices when a Publisher is configured.
	Topic string
}

// Source is everything needed to crawl one site.
type Source struct {
	ID          string
	Adapter     crawler.SourceAdapter
	Normalizer  worker.Normalizer
	Categories  []string
	StartOffset int
	PageStep    int
	MaxPages    int
	// Concurrency is the per-source worker count, at least 1.
	Concurrency int
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Cutoff      time.Time
	Filter      normalize.Filter
}

// Pacer delays requests to a source and learns from each response.
type Pacer interface {
	Wait(ctx context.Context, sourceID string) error
	Observe(sourceID string, err error)
}

// Deps are shared by every source. Pacer, Publisher, Emitter, Clock, IDs
// and Logger are optional.
type Deps struct {
	Checkpoints crawler.CheckpointStore
	Index       *dedup.Index
	Sink        crawler.Sink
	Pacer       Pacer
	Publisher   crawler.Publisher
	Emitter     progress.Emitter
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
	Logger      *zap.Logger
}

// Report summarizes a run.
type Report struct {
	RunID       string                         `json:"run_id"`
	StartedAt   time.Time                      `json:"started_at"`
	FinishedAt  time.Time                      `json:"finished_at"`
	Interrupted bool                           `json:"interrupted"`
	Sources     []crawler.SourceStats          `json:"sources"`
	Cursors     map[string]crawler.CrawlCursor `json:"cursors"`
}

// Totals sums the per-source stats.
func (r Report) Totals() crawler.SourceStats {
	var t crawler.SourceStats
	for _, s := range r.Sources {
		t = mergeStats(t, s)
	}
	return t
}

// Failed lists sources that ended with an error.
func (r Report) Failed() []string {
	var ids []string
	for _, s := range r.Sources {
		if s.Err != "" {
			ids = append(ids, s.SourceID)
		}
	}
	return ids
}

// Coordinator runs sources.
type Coordinator struct {
	cfg     Config
	deps    Deps
	sources []Source
	running sync.Mutex
}

// New validates the configuration. Every problem found here is a fatal
// config error, reported before any fetch is issued.
func New(cfg Config, deps Deps, sources []Source) (*Coordinator, error) {
	var errs []error
	if deps.Checkpoints == nil || deps.Index == nil || deps.Sink == nil {
		errs = append(errs, errors.New("checkpoint store, dedup index and sink are required"))
	}
	if len(sources) == 0 {
		errs = append(errs, errors.New("no sources configured"))
	}
	seen := make(map[string]struct{}, len(sources))
	for i, s := range sources {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("sources[%d]: id is required", i))
		case s.Adapter == nil:
			errs = append(errs, fmt.Errorf("source %s: adapter is required", s.ID))
		case s.Normalizer == nil:
			errs = append(errs, fmt.Errorf("source %s: normalizer is required", s.ID))
		case s.Adapter.ID() != s.ID:
			errs = append(errs, fmt.Errorf("source %s: adapter reports id %q", s.ID, s.Adapter.ID()))
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("source %s: duplicate id", s.ID))
		}
		seen[s.ID] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, crawler.NewError(crawler.KindFatalConfig, "coordinator", "", err)
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = len(sources)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, deps: deps, sources: sources}, nil
}

// SourceIDs lists the configured sources in order.
func (c *Coordinator) SourceIDs() []string {
	ids := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		ids = append(ids, s.ID)
	}
	return ids
}

// Run loads the dedup index, crawls every source and flushes checkpoints.
// Per-source failures are reported in the Report. A failure before the first
// fetch, or a fatal config error in any source, is returned as an error; the
// latter also stops the other sources as if ctx had been canceled. Canceling
// ctx is the stop signal.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	c.running.Lock()
	defer c.running.Unlock()

	id, err := c.deps.IDs.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate run id: %w", err)
	}
	runID, err := progress.ParseRunID(id)
	if err != nil {
		return Report{}, err
	}
	report := Report{RunID: id, StartedAt: c.deps.Clock.Now(), Cursors: make(map[string]crawler.CrawlCursor)}
	logger := c.deps.Logger.With(zap.String("run_id", id))

	if err := c.deps.Index.Load(ctx, c.SourceIDs()...); err != nil {
		return report, fmt.Errorf("load dedup index: %w", err)
	}
	logger.Info("crawl run starting", zap.Int("sources", len(c.sources)), zap.Int("parallelism", c.cfg.Parallelism))
	c.deps.Emitter.Emit(progress.Event{RunID: runID, TS: report.StartedAt, Stage: progress.StageRunStart})

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var (
		mu    sync.Mutex
		g     errgroup.Group
		fatal error
		stats = make([]crawler.SourceStats, len(c.sources))
	)
	g.SetLimit(c.cfg.Parallelism)
	for i, src := range c.sources {
		if runCtx.Err() != nil {
			stats[i] = crawler.SourceStats{SourceID: src.ID, Err: "not started: " + runCtx.Err().Error()}
			continue
		}
		g.Go(func() error {
			st, cursor, err := c.runSource(runCtx, runID, src, logger)
			mu.Lock()
			defer mu.Unlock()
			stats[i] = st
			report.Cursors[src.ID] = cursor
			if crawler.IsFatal(err) && fatal == nil {
				fatal = fmt.Errorf("source %s: %w", src.ID, err)
				stopRun()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Sources = stats
	sort.Slice(report.Sources, func(i, j int) bool { return report.Sources[i].SourceID < report.Sources[j].SourceID })
	report.FinishedAt = c.deps.Clock.Now()
	report.Interrupted = runCtx.Err() != nil

	totals := report.Totals()
	logger.Info("crawl run finished",
		zap.Bool("interrupted", report.Interrupted),
		zap.Int("pages", totals.Pages),
		zap.Int("inserted", totals.Inserted),
		zap.Int("updated", totals.Updated),
		zap.Int("skipped", totals.Skipped),
		zap.Int("dropped", totals.Dropped),
		zap.Strings("failed", report.Failed()),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	c.deps.Emitter.Emit(progress.Event{
		RunID: runID,
		TS:    report.FinishedAt,
		Stage: progress.StageRunDone,
		Dur:   max(report.FinishedAt.Sub(report.StartedAt), 0),
	})
	if fatal != nil {
		return report, fatal
	}
	return report, nil
}

// runSource crawls one source. The controller stops at the stop signal;
// workers get GracePeriod more to finish what was dispatched. The returned
// error is the source's failure, if any; it is already in the stats.
func (c *Coordinator) runSource(
	ctx context.Context,
	runID [16]byte,
	src Source,
	runLogger *zap.Logger,
) (crawler.SourceStats, crawler.CrawlCursor, error) {
	logger := runLogger.With(zap.String("source", src.ID))
	start := c.deps.Clock.Now()
	c.deps.Emitter.Emit(progress.Event{RunID: runID, TS: start, Stage: progress.StageSourceStart, Source: src.ID})

	listingGov := c.governor(src, logger)
	detailGov := c.governor(src, logger)

	ctrl, err := pagination.New(pagination.Config{
		SourceID:    src.ID,
		Categories:  src.Categories,
		StartOffset: src.StartOffset,
		PageStep:    src.PageStep,
		MaxPages:    src.MaxPages,
		SettlePages: !src.Cutoff.IsZero(),
		RunID:       runID,
	}, pagination.Deps{
		Adapter:     src.Adapter,
		Checkpoints: c.deps.Checkpoints,
		Known:       c.deps.Index,
		Governor:    listingGov,
		Pacer:       c.deps.Pacer,
		Emitter:     c.deps.Emitter,
		Clock:       c.deps.Clock,
		Logger:      runLogger,
	})
	if err != nil {
		st := crawler.SourceStats{SourceID: src.ID}
		return c.failSource(runID, src.ID, start, st, err, logger), crawler.CrawlCursor{}, err
	}

	w, err := worker.New(worker.Config{
		SourceID: src.ID,
		Cutoff:   src.Cutoff,
		Filter:   src.Filter,
		Topic:    c.cfg.Topic,
		RunID:    runID,
	}, worker.Deps{
		Adapter:    src.Adapter,
		Normalizer: src.Normalizer,
		Sink:       c.deps.Sink,
		Index:      c.deps.Index,
		Governor:   detailGov,
		Pacer:      c.deps.Pacer,
		Publisher:  c.deps.Publisher,
		Reports:    ctrl,
		Emitter:    c.deps.Emitter,
		Clock:      c.deps.Clock,
		Logger:     runLogger,
	})
	if err != nil {
		st := crawler.SourceStats{SourceID: src.ID}
		return c.failSource(runID, src.ID, start, st, err, logger), crawler.CrawlCursor{}, err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(c.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Warn("grace period elapsed, abandoning in-flight candidates")
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stopGrace()

	queueSize := src.QueueSize
	if queueSize <= 0 {
		queueSize = max(src.Concurrency, 1) * 2
	}
	pool := dispatcher.New(memory.NewQueue[crawler.CandidateLink](queueSize), w, src.Concurrency)
	pool.Start(workCtx)

	pageStats, runErr := ctrl.Run(ctx, pool)
	pool.Close()
	pool.Wait()
	cancelWork()

	flushCtx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancelFlush()
	flushErr := ctrl.Flush(flushCtx)

	st := mergeStats(pageStats, w.Stats())
	st.SourceID = src.ID
	st.Retries = listingGov.Retries() + detailGov.Retries()
	cursor := ctrl.Cursor()

	stopped := ctx.Err() != nil &&
		(errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded))
	switch {
	case flushErr != nil:
		err := fmt.Errorf("final checkpoint flush: %w", flushErr)
		return c.failSource(runID, src.ID, start, st, err, logger), cursor, err
	case runErr != nil && !stopped:
		return c.failSource(runID, src.ID, start, st, runErr, logger), cursor, runErr
	}
	st.Duration = c.deps.Clock.Now().Sub(start)
	note := "completed"
	if runErr != nil {
		note = "interrupted"
	}
	logger.Info("source finished",
		zap.String("status", note),
		zap.String("category", cursor.CategoryID),
		zap.Int("offset", cursor.Offset),
		zap.Int("pages", st.Pages),
		zap.Int("inserted", st.Inserted),
		zap.Int("updated", st.Updated),
		zap.Int("skipped", st.Skipped),
		zap.Int("dropped", st.Dropped),
		zap.Duration("duration", st.Duration),
	)
	c.deps.Emitter.Emit(progress.Event{
		RunID:    runID,
		TS:       c.deps.Clock.Now(),
		Stage:    progress.StageSourceDone,
		Source:   src.ID,
		Category: cursor.CategoryID,
		Offset:   cursor.Offset,
		Dur:      max(st.Duration, 0),
		Note:     note,
	})
	return st, cursor, nil
}

func (c *Coordinator) failSource(
	runID [16]byte,
	sourceID string,
	start time.Time,
	st crawler.SourceStats,
	err error,
	logger *zap.Logger,
) crawler.SourceStats {
	st.Err = err.Error()
	st.Duration = c.deps.Clock.Now().Sub(start)
	logger.Error("source failed",
		zap.String("error_kind", string(crawler.KindOf(err))),
		zap.Error(err))
	c.deps.Emitter.Emit(progress.Event{
		RunID:     runID,
		TS:        c.deps.Clock.Now(),
		Stage:     progress.StageSourceError,
		Source:    sourceID,
		ErrorKind: crawler.KindOf(err),
		Dur:       max(st.Duration, 0),
		Note:      err.Error(),
	})
	return st
}

func (c *Coordinator) governor(src Source, logger *zap.Logger) *retry.Governor {
	return retry.New(retry.Config{
		MaxAttempts: src.MaxAttempts,
		BaseDelay:   src.BaseDelay,
		MaxDelay:    src.MaxDelay,
		Scope:       src.ID,
		Clock:       c.deps.Clock,
		Logger:      logger,
	})
}

func mergeStats(a, b crawler.SourceStats) crawler.SourceStats {
	a.Pages += b.Pages
	a.Dispatched += b.Dispatched
	a.Inserted += b.Inserted
	a.Updated += b.Updated
	a.Skipped += b.Skipped
	a.Dropped += b.Dropped
	a.Filtered += b.Filtered
	a.Cutoff += b.Cutoff
	a.Known += b.Known
	a.Retries += b.Retries
	a.Categories += b.Categories
	a.Duration += b.Duration
	return a
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
