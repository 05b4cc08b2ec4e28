package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
)

// Instrumented records latency for every upsert on the wrapped Sink.
type Instrumented struct {
	next   crawler.Sink
	logger *zap.Logger
}

// Instrument wraps next.
func Instrument(next crawler.Sink, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{next: next, logger: logger}
}

// Upsert delegates to the wrapped sink.
func (s *Instrumented) Upsert(
	ctx context.Context,
	collection, naturalKey string,
	fields map[string]string,
) (crawler.UpsertResult, error) {
	start := time.Now()
	res, err := s.next.Upsert(ctx, collection, naturalKey, fields)
	metrics.ObserveUpsert(collection, time.Since(start))
	if err != nil {
		s.logger.Debug("upsert failed",
			zap.String("collection", collection),
			zap.String("natural_key", naturalKey),
			zap.String("error_kind", string(crawler.KindOf(err))),
			zap.Error(err))
	}
	return res, err
}
