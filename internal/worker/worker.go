// Package worker implements the per-candidate pipeline: detail fetch,
// normalization, persistence, then dedup recording.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
	"github.com/JakeFAU/incremental-crawler/internal/normalize"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
	"github.com/JakeFAU/incremental-crawler/internal/queue/memory"
	"github.com/JakeFAU/incremental-crawler/internal/retry"
)

// Config controls Worker behavior.
type Config struct {
	SourceID string
	// Cutoff, when set, rejects records published before it and stops
	// their category.
	Cutoff time.Time
	Filter normalize.Filter
	// Topic receives a RecordNotice for each inserted record when a
	// Publisher is configured.
	Topic string
	RunID [16]byte
}

// Normalizer converts raw fields to a record.
type Normalizer interface {
	Normalize(sourceID string, raw map[string]string) (crawler.NormalizedRecord, error)
}

// Index is the dedup index as seen by workers.
type Index interface {
	Contains(sourceID, key string) bool
	Record(ctx context.Context, sourceID, key string) error
}

// Pacer delays requests to a source and learns from each response.
type Pacer interface {
	Wait(ctx context.Context, sourceID string) error
	Observe(sourceID string, err error)
}

// Reporter hears back about dispatched candidates: ReportCutoff when a
// record falls before the cutoff, ReportDone once a candidate is finished.
type Reporter interface {
	ReportCutoff(categoryID string)
	ReportDone(link crawler.CandidateLink)
}

// Deps are a Worker's collaborators. Pacer, Publisher, Reports, Emitter,
// Clock and Logger are optional.
type Deps struct {
	Adapter    crawler.SourceAdapter
	Normalizer Normalizer
	Sink       crawler.Sink
	Index      Index
	Governor   *retry.Governor
	Pacer      Pacer
	Publisher  crawler.Publisher
	Reports    Reporter
	Emitter    progress.Emitter
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Worker consumes candidates for one source.
type Worker struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	stats crawler.SourceStats
}

// New constructs a Worker. Workers of one source may share a Worker value;
// Process is safe for concurrent use.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Adapter == nil || deps.Normalizer == nil || deps.Sink == nil || deps.Index == nil || deps.Governor == nil {
		return nil, crawler.Errorf(crawler.KindFatalConfig, "worker", "%s: missing dependency", cfg.SourceID)
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
	return &Worker{cfg: cfg, deps: deps, stats: crawler.SourceStats{SourceID: cfg.SourceID}}, nil
}

// Run consumes the queue until it is closed and drained or ctx finishes.
func (w *Worker) Run(ctx context.Context, queue *memory.Queue[crawler.CandidateLink]) {
	metrics.IncActiveWorkers(w.cfg.SourceID)
	defer metrics.DecActiveWorkers(w.cfg.SourceID)
	for {
		link, err := queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return
			}
			w.deps.Logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.Process(ctx, link)
	}
}

// Stats returns the outcomes recorded so far.
func (w *Worker) Stats() crawler.SourceStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Process runs one candidate through the pipeline. Every failure is logged
// with the candidate URL and error kind and ends only this candidate.
func (w *Worker) Process(ctx context.Context, link crawler.CandidateLink) crawler.Outcome {
	start := w.deps.Clock.Now()
	outcome, key, err := w.process(ctx, link)
	w.finish(link, key, outcome, err, w.deps.Clock.Now().Sub(start))
	if w.deps.Reports != nil {
		w.deps.Reports.ReportDone(link)
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, link crawler.CandidateLink) (crawler.Outcome, string, error) {
	raw, err := retry.Do(ctx, w.deps.Governor, "detail:"+link.URL, func(ctx context.Context) (map[string]string, error) {
		if w.deps.Pacer != nil {
			if err := w.deps.Pacer.Wait(ctx, w.cfg.SourceID); err != nil {
				return nil, fmt.Errorf("pace detail: %w", err)
			}
		}
		raw, err := w.deps.Adapter.FetchDetail(ctx, link)
		if w.deps.Pacer != nil {
			w.deps.Pacer.Observe(w.cfg.SourceID, err)
		}
		return raw, err
	})
	if err != nil {
		return crawler.OutcomeSkipped, "", err
	}
	if raw == nil {
		raw = make(map[string]string, 1)
	}
	if raw["url"] == "" {
		raw["url"] = link.URL
	}

	record, err := w.deps.Normalizer.Normalize(w.cfg.SourceID, raw)
	if err != nil {
		return crawler.OutcomeDropped, "", err
	}
	key := record.NaturalKey

	if ok, reason := w.cfg.Filter.Match(record.Fields); !ok {
		return crawler.OutcomeFiltered, key, errors.New(reason)
	}
	if !w.cfg.Cutoff.IsZero() && !record.PublishedAt.IsZero() && record.PublishedAt.Before(w.cfg.Cutoff) {
		if w.deps.Reports != nil {
			w.deps.Reports.ReportCutoff(link.CategoryID)
		}
		return crawler.OutcomeCutoff, key, nil
	}
	// Composite keys are only known after normalization.
	if w.deps.Index.Contains(w.cfg.SourceID, key) {
		return crawler.OutcomeKnown, key, nil
	}

	result, err := retry.Do(ctx, w.deps.Governor, "upsert:"+key, func(ctx context.Context) (crawler.UpsertResult, error) {
		return w.deps.Sink.Upsert(ctx, record.CollectionHint, key, record.Fields)
	})
	switch {
	case err == nil:
	case crawler.KindOf(err) == crawler.KindPersistenceConflict:
		// Another writer won the race for this key; the record exists.
		result = crawler.UpsertUpdated
	default:
		return crawler.OutcomeDropped, key, err
	}

	if err := w.deps.Index.Record(ctx, w.cfg.SourceID, key); err != nil {
		// The record is stored; a later run will upsert it again.
		w.deps.Logger.Error("dedup record failed",
			zap.String("url", link.URL),
			zap.String("key", key),
			zap.String("error_kind", string(crawler.KindOf(err))),
			zap.Error(err))
	}

	if result == crawler.UpsertInserted {
		w.publish(ctx, link, record)
		return crawler.OutcomeInserted, key, nil
	}
	return crawler.OutcomeUpdated, key, nil
}

func (w *Worker) publish(ctx context.Context, link crawler.CandidateLink, record crawler.NormalizedRecord) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	notice := crawler.RecordNotice{
		RunID:       uuid.UUID(w.cfg.RunID).String(),
		SourceID:    w.cfg.SourceID,
		Collection:  record.CollectionHint,
		NaturalKey:  record.NaturalKey,
		URL:         link.URL,
		Result:      crawler.UpsertInserted.String(),
		PublishedAt: record.PublishedAt,
		StoredAt:    w.deps.Clock.Now(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, notice); err != nil {
		w.deps.Logger.Warn("record notice publish failed",
			zap.String("key", record.NaturalKey),
			zap.String("topic", w.cfg.Topic),
			zap.Error(err))
	}
}

func (w *Worker) finish(link crawler.CandidateLink, key string, outcome crawler.Outcome, err error, dur time.Duration) {
	w.addStats(func(s *crawler.SourceStats) { s.Add(outcome) })
	metrics.ObserveRecord(w.cfg.SourceID, string(outcome))

	fields := []zap.Field{
		zap.String("url", link.URL),
		zap.String("category", link.CategoryID),
		zap.String("outcome", string(outcome)),
	}
	if key != "" {
		fields = append(fields, zap.String("key", key))
	}
	evt := progress.Event{
		RunID:    w.cfg.RunID,
		TS:       w.deps.Clock.Now(),
		Stage:    progress.StageRecord,
		Source:   w.cfg.SourceID,
		Category: link.CategoryID,
		URL:      link.URL,
		Outcome:  outcome,
		Dur:      max(dur, 0),
	}

	switch outcome {
	case crawler.OutcomeSkipped, crawler.OutcomeDropped:
		kind := crawler.KindOf(err)
		evt.ErrorKind = kind
		evt.Note = err.Error()
		fields = append(fields, zap.String("error_kind", string(kind)), zap.Error(err))
		if ctxErr(err) {
			w.deps.Logger.Info("candidate abandoned", fields...)
		} else {
			w.deps.Logger.Warn("candidate not persisted", fields...)
		}
	case crawler.OutcomeFiltered:
		evt.Note = err.Error()
		w.deps.Logger.Info("candidate filtered", append(fields, zap.String("reason", err.Error()))...)
	case crawler.OutcomeCutoff:
		w.deps.Logger.Info("candidate before cutoff", append(fields, zap.Time("cutoff", w.cfg.Cutoff))...)
	default:
		w.deps.Logger.Debug("candidate processed", fields...)
	}
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) addStats(fn func(*crawler.SourceStats)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.stats)
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
