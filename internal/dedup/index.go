// Package dedup implements the per-source set of natural keys already
// persisted, backed by an append-only durable log.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/metrics"
)

// Index answers Contains from memory and makes Record durable through the
// log before the key becomes visible. Reads proceed concurrently; Record
// calls for one index are serialized.
type Index struct {
	log    crawler.DedupLog
	clock  crawler.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	keys   map[string]map[string]struct{}
	writeM sync.Mutex
}

// New wraps log in an Index.
func New(log crawler.DedupLog, clock crawler.Clock, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		log:    log,
		clock:  clock,
		logger: logger,
		keys:   make(map[string]map[string]struct{}),
	}
}

// Load replays the durable log for each source into memory.
func (x *Index) Load(ctx context.Context, sourceIDs ...string) error {
	for _, sourceID := range sourceIDs {
		entries, err := x.log.LoadAll(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("load dedup log %s: %w", sourceID, err)
		}
		set := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			set[e.NaturalKey] = struct{}{}
		}
		x.mu.Lock()
		x.keys[sourceID] = set
		x.mu.Unlock()
		metrics.SetDedupKeys(sourceID, len(set))
		x.logger.Info("dedup index loaded", zap.String("source", sourceID), zap.Int("keys", len(set)))
	}
	return nil
}

// Contains reports whether key has been recorded for sourceID.
func (x *Index) Contains(sourceID, key string) bool {
	if key == "" {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.keys[sourceID][key]
	return ok
}

// Record durably adds key. Recording a present key is a no-op, and
// concurrent calls with the same key append exactly one log entry.
func (x *Index) Record(ctx context.Context, sourceID, key string) error {
	if key == "" {
		return fmt.Errorf("record dedup key: empty key")
	}
	x.writeM.Lock()
	defer x.writeM.Unlock()
	if x.Contains(sourceID, key) {
		return nil
	}
	entry := crawler.DedupEntry{NaturalKey: key, FirstSeenAt: x.now()}
	if err := x.log.Append(ctx, sourceID, entry); err != nil {
		return fmt.Errorf("append dedup log %s: %w", sourceID, err)
	}
	x.mu.Lock()
	set, ok := x.keys[sourceID]
	if !ok {
		set = make(map[string]struct{})
		x.keys[sourceID] = set
	}
	set[key] = struct{}{}
	n := len(set)
	x.mu.Unlock()
	metrics.SetDedupKeys(sourceID, n)
	return nil
}

// Len reports the number of keys held for sourceID.
func (x *Index) Len(sourceID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.keys[sourceID])
}

func (x *Index) now() time.Time {
	if x.clock == nil {
		return time.Now().UTC()
	}
	return x.clock.Now()
}
