// Package retry classifies failures and drives bounded, linearly backed-off
// retries of fetch and persistence operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
)

// Class is the retry verdict for a failure.
type Class int

// Failure classes.
const (
	Transient Class = iota + 1
	Permanent
	// Aborted marks context cancellation; never retried.
	Aborted
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Aborted:
		return "aborted"
	default:
		return "none"
	}
}

// ErrExhausted is wrapped into the error returned once the attempt budget is spent.
var ErrExhausted = errors.New("retry budget exhausted")

const defaultMaxAttempts = 3

// Config controls a Governor. MaxAttempts counts every attempt including the
// first, so 3 means one try plus two retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Scope labels logs and metrics, usually the source ID.
	Scope  string
	Clock  crawler.Clock
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// Governor owns the RetryState of every operation currently between attempts.
type Governor struct {
	cfg     Config
	mu      sync.Mutex
	states  map[string]*crawler.RetryState
	retries atomic.Int64
}

// New builds a Governor, filling defaults for unset fields.
func New(cfg Config) *Governor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Governor{
		cfg:    cfg,
		states: make(map[string]*crawler.RetryState),
	}
}

// Classify decides whether err is worth retrying. Unclassified errors, which
// include network timeouts and truncated bodies, are assumed temporary.
func Classify(err error) Class {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Aborted
	}
	switch crawler.KindOf(err) {
	case crawler.KindTransientFetch, crawler.KindPersistenceConnectivity:
		return Transient
	case crawler.KindPermanentFetch,
		crawler.KindMalformedListing,
		crawler.KindNormalization,
		crawler.KindPersistenceConflict,
		crawler.KindPersistenceRejected,
		crawler.KindFatalConfig:
		return Permanent
	}
	return Transient
}

// Backoff returns the wait before the attempt following attempt n (1-based).
func (g *Governor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := g.cfg.BaseDelay * time.Duration(attempt)
	if g.cfg.MaxDelay > 0 && delay > g.cfg.MaxDelay {
		delay = g.cfg.MaxDelay
	}
	return delay
}

// MaxAttempts reports the configured attempt budget.
func (g *Governor) MaxAttempts() int {
	return g.cfg.MaxAttempts
}

// State returns the pending RetryState for opID, if any.
func (g *Governor) State(opID string) (crawler.RetryState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[opID]
	if !ok {
		return crawler.RetryState{}, false
	}
	return *st, true
}

// Pending reports how many operations are waiting on a retry.
func (g *Governor) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}

// Retries reports the total number of retries issued.
func (g *Governor) Retries() int {
	return int(g.retries.Load())
}

// Do runs fn until it succeeds, fails permanently, or spends the attempt
// budget. The returned error keeps the last failure's kind.
func Do[T any](ctx context.Context, g *Governor, opID string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			g.clear(opID)
			return v, nil
		}
		class := Classify(err)
		if class != Transient {
			g.clear(opID)
			return zero, err
		}
		if attempt >= g.cfg.MaxAttempts {
			g.clear(opID)
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		delay := g.Backoff(attempt)
		kind := crawler.KindOf(err)
		g.record(opID, attempt, delay, kind)
		g.retries.Add(1)
		metrics.ObserveRetry(g.cfg.Scope, string(kind))
		g.cfg.Logger.Debug("retrying operation",
			zap.String("op", opID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		if err := g.cfg.Sleep(ctx, delay); err != nil {
			g.clear(opID)
			return zero, fmt.Errorf("retry wait: %w", err)
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, g *Governor, opID string, fn func(context.Context) error) error {
	_, err := Do(ctx, g, opID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (g *Governor) record(opID string, attempt int, delay time.Duration, kind crawler.ErrorKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[opID]
	if !ok {
		st = &crawler.RetryState{OperationID: opID}
		g.states[opID] = st
	}
	st.AttemptCount = attempt
	st.NextEligibleAt = g.cfg.Clock.Now().Add(delay)
	st.LastErrorKind = kind
}

func (g *Governor) clear(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, opID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
