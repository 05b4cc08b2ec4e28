// Package ratelimit paces requests per source with token buckets, plus an
// optional randomized politeness delay.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64 `mapstructure:"rps"`
	DefaultBurst int     `mapstructure:"burst"`
	// Delay is added before every request; with Jitter the actual delay is
	// drawn uniformly from [0.5, 1.5) * Delay.
	Delay  time.Duration `mapstructure:"delay"`
	Jitter bool          `mapstructure:"jitter"`
	// MinRPS bounds how far Penalize can slow a source.
	MinRPS float64 `mapstructure:"min_rps"`
}

// Override replaces the default pacing for one source.
type Override struct {
	RPS   float64       `mapstructure:"rps"`
	Burst int           `mapstructure:"burst"`
	Delay time.Duration `mapstructure:"delay"`
}

type bucket struct {
	limiter *rate.Limiter
	base    rate.Limit
	delay   time.Duration
}

// Limiter manages per-source rate limits.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	cfg       Config
	overrides map[string]Override
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a new Limiter.
func New(cfg Config, overrides map[string]Override) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		cfg:       cfg,
		overrides: overrides,
		sleep:     sleepContext,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (l *Limiter) bucketFor(source string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[source]
	if ok {
		return b
	}
	rps, burst, delay := l.cfg.DefaultRPS, l.cfg.DefaultBurst, l.cfg.Delay
	if o, ok := l.overrides[source]; ok {
		if o.RPS > 0 {
			rps = o.RPS
		}
		if o.Burst > 0 {
			burst = o.Burst
		}
		if o.Delay > 0 {
			delay = o.Delay
		}
	}
	b = &bucket{limiter: rate.NewLimiter(toLimit(rps), burst), base: toLimit(rps), delay: delay}
	l.buckets[source] = b
	return b
}

// Wait blocks until source may issue another request.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	b := l.bucketFor(source)
	start := time.Now()
	if d := l.politeness(b.delay); d > 0 {
		if err := l.sleep(ctx, d); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, waited)
	}
	return nil
}

// Penalize halves the source's rate after a throttling response, down to MinRPS.
func (l *Limiter) Penalize(source string) {
	b := l.bucketFor(source)
	current := b.limiter.Limit()
	if current == rate.Inf {
		return
	}
	next := current / 2
	if floor := rate.Limit(l.cfg.MinRPS); floor > 0 && next < floor {
		next = floor
	}
	b.limiter.SetLimit(next)
}

// Restore returns the source to its configured rate.
func (l *Limiter) Restore(source string) {
	b := l.bucketFor(source)
	if b.limiter.Limit() != b.base {
		b.limiter.SetLimit(b.base)
	}
}

// Observe adapts the source's rate to a request outcome: throttling
// responses slow it down and a success restores the configured rate.
func (l *Limiter) Observe(source string, err error) {
	switch {
	case err == nil:
		l.Restore(source)
	case crawler.IsThrottled(err):
		l.Penalize(source)
	}
}

// Limit reports the current rate for source.
func (l *Limiter) Limit(source string) rate.Limit {
	return l.bucketFor(source).limiter.Limit()
}

func (l *Limiter) politeness(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if !l.cfg.Jitter {
		return base
	}
	// #nosec G404 -- jitter does not need a secure source.
	return time.Duration(float64(base) * (0.5 + rand.Float64()))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
