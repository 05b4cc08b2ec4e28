package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/app"
	"github.com/JakeFAU/incremental-crawler/internal/config"
	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/logging"
)

// Exit codes.
const (
	exitOK          = 0
	exitRunFailed   = 1
	exitFatalConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Crawl once and exit even if a schedule is configured")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return exitFatalConfig
	}
	if *once {
		cfg.Run.Schedule = ""
	}

	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitFatalConfig
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		if crawler.IsFatal(err) {
			return exitFatalConfig
		}
		return exitRunFailed
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("crawl failed", zap.Error(err))
		if crawler.IsFatal(err) {
			return exitFatalConfig
		}
		return exitRunFailed
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("stopped by signal; checkpoints flushed")
	}
	return exitOK
}
