package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// DedupLog is an append-only in-memory log per source.
type DedupLog struct {
	mu      sync.RWMutex
	entries map[string][]crawler.DedupEntry
}

// NewDedupLog constructs an empty DedupLog.
func NewDedupLog() *DedupLog {
	return &DedupLog{entries: make(map[string][]crawler.DedupEntry)}
}

// LoadAll returns a copy of every entry for sourceID.
func (l *DedupLog) LoadAll(_ context.Context, sourceID string) ([]crawler.DedupEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]crawler.DedupEntry(nil), l.entries[sourceID]...), nil
}

// Append adds entry to the log for sourceID.
func (l *DedupLog) Append(_ context.Context, sourceID string, entry crawler.DedupEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[sourceID] = append(l.entries[sourceID], entry)
	return nil
}
