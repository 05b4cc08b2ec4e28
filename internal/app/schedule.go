package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// runScheduled crawls immediately and then on every cron tick. A tick that
// fires while a run is still going is skipped.
func (a *App) runScheduled(ctx context.Context) error {
	logger := cronLogger{a.logger.Named("cron").Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	job := cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.RunOnce(ctx); err != nil {
			a.logger.Error("scheduled run failed", zap.Error(err))
		}
	})
	id, err := c.AddJob(a.cfg.Run.Schedule, job)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", a.cfg.Run.Schedule, err)
	}

	c.Start()
	a.logger.Info("crawl scheduled", zap.String("schedule", a.cfg.Run.Schedule))
	// The wrapped entry shares the skip lock with the schedule.
	initial := make(chan struct{})
	go func() {
		defer close(initial)
		c.Entry(id).WrappedJob.Run()
	}()

	<-ctx.Done()
	a.logger.Info("stopping scheduler")
	<-c.Stop().Done()
	<-initial
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
