package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// StoredRecord is one document held by RecordSink.
type StoredRecord struct {
	Fields map[string]string
	Writes int
}

// RecordSink is an in-memory Sink keyed by collection and natural key.
type RecordSink struct {
	mu          sync.RWMutex
	collections map[string]map[string]StoredRecord
}

// NewRecordSink constructs an empty RecordSink.
func NewRecordSink() *RecordSink {
	return &RecordSink{collections: make(map[string]map[string]StoredRecord)}
}

// Upsert stores fields under naturalKey, replacing any previous values.
func (s *RecordSink) Upsert(
	_ context.Context,
	collection, naturalKey string,
	fields map[string]string,
) (crawler.UpsertResult, error) {
	if collection == "" || naturalKey == "" {
		return 0, crawler.NewError(crawler.KindPersistenceRejected, "upsert", naturalKey,
			fmt.Errorf("collection and natural key are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]StoredRecord)
		s.collections[collection] = coll
	}
	prev, exists := coll[naturalKey]
	coll[naturalKey] = StoredRecord{Fields: maps.Clone(fields), Writes: prev.Writes + 1}
	if exists {
		return crawler.UpsertUpdated, nil
	}
	return crawler.UpsertInserted, nil
}

// Get returns the stored record for naturalKey.
func (s *RecordSink) Get(collection, naturalKey string) (StoredRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[collection][naturalKey]
	if !ok {
		return StoredRecord{}, false
	}
	return StoredRecord{Fields: maps.Clone(rec.Fields), Writes: rec.Writes}, true
}

// Count reports how many records a collection holds.
func (s *RecordSink) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}
