// Package adapter builds SourceAdapters from configuration. The html and
// feed kinds cover sites whose listings and detail pages can be described
// with selectors; custom kinds register their own Builder.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/incremental-crawler/internal/fetcher/colly"
)

// Adapter kinds built in to the default registry.
const (
	KindHTML = "html"
	KindFeed = "feed"
)

// Fetcher performs one HTTP exchange.
type Fetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Deps are the collaborators handed to a Builder. A nil Fetcher is replaced
// by a colly fetcher configured from the adapter config.
type Deps struct {
	Fetcher Fetcher
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Builder constructs an adapter of one kind.
type Builder func(cfg Config, deps Deps) (crawler.SourceAdapter, error)

// Registry maps adapter kinds to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a Registry holding the html and feed builders.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register(KindHTML, func(cfg Config, deps Deps) (crawler.SourceAdapter, error) {
		return NewHTML(cfg, deps)
	})
	r.Register(KindFeed, func(cfg Config, deps Deps) (crawler.SourceAdapter, error) {
		return NewFeed(cfg, deps)
	})
	return r
}

// Register adds or replaces the builder for kind.
func (r *Registry) Register(kind string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the adapter for cfg. An empty kind means html.
func (r *Registry) Build(cfg Config, deps Deps) (crawler.SourceAdapter, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = KindHTML
	}
	r.mu.RLock()
	b, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, crawler.NewError(crawler.KindFatalConfig, "build adapter", cfg.ID,
			fmt.Errorf("unknown adapter kind %q", kind))
	}
	a, err := b(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter %s: %w", kind, cfg.ID, err)
	}
	return a, nil
}

func (d Deps) withDefaults(cfg Config) Deps {
	if d.Fetcher == nil {
		d.Fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
		})
	}
	if d.Clock == nil {
		d.Clock = utcClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.With(zap.String("source", cfg.ID))
	return d
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
