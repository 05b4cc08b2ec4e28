package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// CheckpointStore keeps one row per source.
type CheckpointStore struct {
	pool  Pool
	table string
}

// NewCheckpointStore wraps pool.
func NewCheckpointStore(pool Pool, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// Load reads the cursor for sourceID.
func (s *CheckpointStore) Load(ctx context.Context, sourceID string) (crawler.CrawlCursor, bool, error) {
	query := fmt.Sprintf(`SELECT source_id, category_id, page_or_offset, completed, updated_at
FROM %s WHERE source_id = $1`, s.table)
	var c crawler.CrawlCursor
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(&c.SourceID, &c.CategoryID, &c.Offset, &c.Completed, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlCursor{}, false, nil
	}
	if err != nil {
		return crawler.CrawlCursor{}, false, classify("load checkpoint", sourceID, err)
	}
	return c, true, nil
}

// Save upserts the cursor in a single statement.
func (s *CheckpointStore) Save(ctx context.Context, c crawler.CrawlCursor) error {
	query := fmt.Sprintf(`
INSERT INTO %s (source_id, category_id, page_or_offset, completed, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (source_id) DO UPDATE SET
	category_id = EXCLUDED.category_id,
	page_or_offset = EXCLUDED.page_or_offset,
	completed = EXCLUDED.completed,
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, c.SourceID, c.CategoryID, c.Offset, c.Completed, c.UpdatedAt); err != nil {
		return classify("save checkpoint", c.SourceID, err)
	}
	return nil
}
