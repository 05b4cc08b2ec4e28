// Package app builds the crawler's long-lived services from configuration and
// drives one-shot or scheduled runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/adapter"
	"github.com/JakeFAU/incremental-crawler/internal/api"
	"github.com/JakeFAU/incremental-crawler/internal/clock/system"
	"github.com/JakeFAU/incremental-crawler/internal/config"
	"github.com/JakeFAU/incremental-crawler/internal/coordinator"
	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/dedup"
	"github.com/JakeFAU/incremental-crawler/internal/id/uuid"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
	"github.com/JakeFAU/incremental-crawler/internal/normalize"
	"github.com/JakeFAU/incremental-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/incremental-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/incremental-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/incremental-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/incremental-crawler/internal/publisher/pubsub"
)

const shutdownTimeout = 10 * time.Second

// Options override collaborators that are otherwise derived from config.
type Options struct {
	// Registerer receives the progress collectors; nil means the default
	// Prometheus registry.
	Registerer prometheus.Registerer
	// Adapters resolves adapter kinds; nil means adapter.NewRegistry().
	Adapters *adapter.Registry
	// Fetcher is shared by every adapter when set.
	Fetcher adapter.Fetcher
	Clock   crawler.Clock
	IDs     crawler.IDGenerator
	// Publisher replaces the Pub/Sub publisher when set.
	Publisher crawler.Publisher
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	backends    *backends
	coordinator *coordinator.Coordinator
	hub         *progress.Hub
	status      *progresssinks.StatusSink
	checkpoints crawler.CheckpointStore
	apiServer   *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies. Any error is returned
// before the first fetch.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Adapters == nil {
		opts.Adapters = adapter.NewRegistry()
	}
	metrics.Init()

	a := &App{
		cfg:      cfg,
		logger:   logger,
		backends: &backends{cfg: cfg.Storage, clock: opts.Clock, logger: logger.Named("storage")},
	}
	a.logger.Info("building application dependencies",
		zap.Int("sources", len(cfg.EnabledSources())),
		zap.String("checkpoints", cfg.Storage.Checkpoints),
		zap.String("dedup", cfg.Storage.Dedup),
		zap.String("sink", cfg.Storage.Sink),
	)

	deps, err := a.setupStorage(ctx, opts.Clock)
	if err != nil {
		a.backends.close(ctx)
		return nil, err
	}

	deps.Publisher, err = a.setupPublisher(ctx, opts.Publisher)
	if err != nil {
		a.backends.close(ctx)
		return nil, err
	}

	deps.Emitter, err = a.setupProgress(opts.Registerer)
	if err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	deps.Pacer = ratelimit.New(cfg.RateLimit, cfg.RateOverrides())
	deps.Clock = opts.Clock
	deps.IDs = opts.IDs
	deps.Logger = logger.Named("coordinator")

	sources, err := buildSources(cfg, opts.Adapters, adapter.Deps{
		Fetcher: opts.Fetcher,
		Clock:   opts.Clock,
		Logger:  logger.Named("adapter"),
	})
	if err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	a.coordinator, err = coordinator.New(coordinator.Config{
		Parallelism:  cfg.Run.Parallelism,
		GracePeriod:  cfg.Run.GracePeriod,
		FlushTimeout: cfg.Run.FlushTimeout,
		Topic:        cfg.PubSub.Topic,
	}, deps, sources)
	if err != nil {
		a.closeInfrastructure(ctx)
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	a.apiServer = api.NewServer(
		api.NewSourcesHandler(a.coordinator.SourceIDs(), a.status, a.checkpoints, logger.Named("api")),
		logger.Named("api"),
	)
	return a, nil
}

func (a *App) setupStorage(ctx context.Context, clock crawler.Clock) (coordinator.Deps, error) {
	checkpoints, err := a.backends.checkpoints(ctx)
	if err != nil {
		return coordinator.Deps{}, err
	}
	a.checkpoints = checkpoints

	dedupLog, err := a.backends.dedupLog(ctx)
	if err != nil {
		return coordinator.Deps{}, err
	}

	recordSink, err := a.backends.sink(ctx)
	if err != nil {
		return coordinator.Deps{}, err
	}

	return coordinator.Deps{
		Checkpoints: checkpoints,
		Index:       dedup.New(dedupLog, clock, a.logger.Named("dedup")),
		Sink:        recordSink,
	}, nil
}

func (a *App) setupPublisher(ctx context.Context, override crawler.Publisher) (crawler.Publisher, error) {
	if override != nil {
		return override, nil
	}
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no record topic configured, notices disabled")
		return nil, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher",
			zap.String("topic", a.cfg.PubSub.Topic))
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.status = progresssinks.NewStatusSink()
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")},
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.status,
	)
	return a.hub, nil
}

func buildSources(cfg config.Config, registry *adapter.Registry, deps adapter.Deps) ([]coordinator.Source, error) {
	var (
		sources []coordinator.Source
		errs    []error
	)
	for _, sc := range cfg.EnabledSources() {
		schema, err := sc.ResolveSchema()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		norm, err := normalize.New(schema)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", sc.ID, err))
			continue
		}
		ad, err := registry.Build(sc.Config, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cutoff, err := sc.Cutoff()
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", sc.ID, err))
			continue
		}
		sources = append(sources, coordinator.Source{
			ID:          sc.ID,
			Adapter:     ad,
			Normalizer:  norm,
			Categories:  sc.CategoryIDs(),
			StartOffset: sc.StartOffset,
			PageStep:    sc.PageStep,
			MaxPages:    sc.MaxPages,
			Concurrency: sc.Concurrency,
			QueueSize:   sc.QueueSize,
			MaxAttempts: sc.MaxAttempts,
			BaseDelay:   sc.RetryDelay(),
			MaxDelay:    sc.MaxDelay,
			Cutoff:      cutoff,
			Filter:      sc.Filter,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, crawler.NewError(crawler.KindFatalConfig, "build sources", "", err)
	}
	return sources, nil
}

// Handler exposes the ops API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce performs one incremental crawl of every enabled source.
func (a *App) RunOnce(ctx context.Context) (coordinator.Report, error) {
	report, err := a.coordinator.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("crawl run failed: %w", err)
	}
	a.apiServer.SetReady(true)
	totals := report.Totals()
	a.logger.Info("crawl run summary",
		zap.String("run_id", report.RunID),
		zap.Int("inserted", totals.Inserted),
		zap.Int("updated", totals.Updated),
		zap.Int("known", totals.Known),
		zap.Int("dropped", totals.Dropped),
		zap.Int("skipped", totals.Skipped),
		zap.Int("retries", totals.Retries),
	)
	return report, nil
}

// Run serves the ops API when enabled and crawls once, or on the configured
// schedule until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	if a.cfg.API.Enabled {
		srv = a.startServer()
		defer a.stopServer(srv)
	}

	if a.cfg.Run.Schedule == "" {
		report, err := a.RunOnce(ctx)
		if err != nil {
			return err
		}
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d sources failed: %s",
				len(failed), len(report.Sources), strings.Join(failed, ", "))
		}
		return nil
	}
	return a.runScheduled(ctx)
}

func (a *App) startServer() *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.API.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.API.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv
}

func (a *App) stopServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	a.backends.close(ctx)
}
