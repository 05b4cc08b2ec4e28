package crawler

import (
	"context"
	"time"
)

// SourceAdapter supplies listing and detail pages for one site. It owns no
// orchestration logic.
type SourceAdapter interface {
	ID() string
	FetchListing(ctx context.Context, cursor CrawlCursor) (ListingPage, error)
	FetchDetail(ctx context.Context, link CandidateLink) (map[string]string, error)
}

// CheckpointStore persists one cursor per source. Save must be atomic.
type CheckpointStore interface {
	Load(ctx context.Context, sourceID string) (CrawlCursor, bool, error)
	Save(ctx context.Context, cursor CrawlCursor) error
}

// DedupLog is the durable, append-only backing of the dedup index.
type DedupLog interface {
	LoadAll(ctx context.Context, sourceID string) ([]DedupEntry, error)
	Append(ctx context.Context, sourceID string, entry DedupEntry) error
}

// Sink performs idempotent upserts keyed by natural key within a collection.
type Sink interface {
	Upsert(ctx context.Context, collection, naturalKey string, fields map[string]string) (UpsertResult, error)
}

// BlobStore reads and writes opaque objects by path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for blob paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
