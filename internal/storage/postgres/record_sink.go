package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// RecordSink upserts records into a single JSONB table partitioned by a
// collection column.
type RecordSink struct {
	pool  Pool
	table string
	now   func() time.Time
}

// NewRecordSink wraps pool.
func NewRecordSink(pool Pool, table string) (*RecordSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordSink{pool: pool, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool.
func (s *RecordSink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes fields under (collection, naturalKey). xmax is zero only
// for a freshly inserted tuple, which tells inserts from updates.
func (s *RecordSink) Upsert(
	ctx context.Context,
	collection, naturalKey string,
	fields map[string]string,
) (crawler.UpsertResult, error) {
	if collection == "" || naturalKey == "" {
		return 0, crawler.Errorf(crawler.KindPersistenceRejected, "upsert", "collection and natural key are required")
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return 0, crawler.NewError(crawler.KindPersistenceRejected, "upsert", naturalKey, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (collection, natural_key, fields, first_seen_at, updated_at)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (collection, natural_key) DO UPDATE SET
	fields = EXCLUDED.fields,
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, collection, naturalKey, payload, s.now()).Scan(&inserted); err != nil {
		return 0, classify("upsert", naturalKey, err)
	}
	if inserted {
		return crawler.UpsertInserted, nil
	}
	return crawler.UpsertUpdated, nil
}
