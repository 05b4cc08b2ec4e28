package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/incremental-crawler/internal/progress"
)

// LogSink writes progress as structured logs. Record events log at debug,
// everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageRecord, progress.StageListingPage, progress.StageCheckpoint:
			level = zapcore.DebugLevel
		case progress.StageSourceError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
			zap.String("category", evt.Category),
			zap.Int("offset", evt.Offset),
			zap.String("url", evt.URL),
			zap.String("outcome", string(evt.Outcome)),
			zap.Int("candidates", evt.Candidates),
			zap.String("error_kind", string(evt.ErrorKind)),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
