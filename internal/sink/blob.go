// Package sink holds Sink implementations that sit on top of other stores,
// plus instrumentation for any Sink.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// document is the JSON body written for each record.
type document struct {
	NaturalKey string            `json:"natural_key"`
	Collection string            `json:"collection"`
	Fields     map[string]string `json:"fields"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// BlobSink writes each record as <collection>/<sha256(key)>.json in a blob
// store. Overwriting the object makes the upsert idempotent.
type BlobSink struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
}

// NewBlobSink builds a BlobSink.
func NewBlobSink(store crawler.BlobStore, hasher crawler.Hasher, clock crawler.Clock) (*BlobSink, error) {
	if store == nil || hasher == nil {
		return nil, fmt.Errorf("blob store and hasher are required")
	}
	return &BlobSink{store: store, hasher: hasher, clock: clock}, nil
}

// Upsert writes the record, reporting Inserted when no object existed.
func (s *BlobSink) Upsert(
	ctx context.Context,
	collection, naturalKey string,
	fields map[string]string,
) (crawler.UpsertResult, error) {
	if collection == "" || naturalKey == "" {
		return 0, crawler.Errorf(crawler.KindPersistenceRejected, "upsert", "collection and natural key are required")
	}
	digest, err := s.hasher.Hash([]byte(naturalKey))
	if err != nil {
		return 0, crawler.NewError(crawler.KindPersistenceRejected, "upsert", naturalKey, err)
	}
	objectPath := path.Join(collection, digest+".json")

	body, err := json.Marshal(document{
		NaturalKey: naturalKey,
		Collection: collection,
		Fields:     fields,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return 0, crawler.NewError(crawler.KindPersistenceRejected, "upsert", naturalKey, err)
	}

	existed, err := s.store.Exists(ctx, objectPath)
	if err != nil {
		return 0, crawler.NewError(crawler.KindPersistenceConnectivity, "upsert", naturalKey, err)
	}
	if _, err := s.store.PutObject(ctx, objectPath, "application/json", body); err != nil {
		return 0, crawler.NewError(crawler.KindPersistenceConnectivity, "upsert", naturalKey, err)
	}
	if existed {
		return crawler.UpsertUpdated, nil
	}
	return crawler.UpsertInserted, nil
}

func (s *BlobSink) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
