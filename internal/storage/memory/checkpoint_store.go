package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// CheckpointStore keeps one cursor per source.
type CheckpointStore struct {
	mu      sync.RWMutex
	cursors map[string]crawler.CrawlCursor
	saves   int
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cursors: make(map[string]crawler.CrawlCursor)}
}

// Load returns the cursor for sourceID, if any.
func (s *CheckpointStore) Load(_ context.Context, sourceID string) (crawler.CrawlCursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[sourceID]
	return c, ok, nil
}

// Save replaces the cursor for its source.
func (s *CheckpointStore) Save(_ context.Context, cursor crawler.CrawlCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.SourceID] = cursor
	s.saves++
	return nil
}

// Saves reports how many times Save was called.
func (s *CheckpointStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
