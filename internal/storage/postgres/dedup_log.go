package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// DedupLog stores one row per (source, natural key).
type DedupLog struct {
	pool  Pool
	table string
}

// NewDedupLog wraps pool.
func NewDedupLog(pool Pool, table string) (*DedupLog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_dedup"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DedupLog{pool: pool, table: table}, nil
}

// LoadAll returns every key recorded for sourceID.
func (l *DedupLog) LoadAll(ctx context.Context, sourceID string) ([]crawler.DedupEntry, error) {
	query := fmt.Sprintf(`SELECT natural_key, first_seen_at FROM %s WHERE source_id = $1`, l.table)
	rows, err := l.pool.Query(ctx, query, sourceID)
	if err != nil {
		return nil, classify("load dedup log", sourceID, err)
	}
	defer rows.Close()

	var entries []crawler.DedupEntry
	for rows.Next() {
		var e crawler.DedupEntry
		if err := rows.Scan(&e.NaturalKey, &e.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("scan dedup row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load dedup log", sourceID, err)
	}
	return entries, nil
}

// Append inserts entry; an existing key is left untouched.
func (l *DedupLog) Append(ctx context.Context, sourceID string, entry crawler.DedupEntry) error {
	query := fmt.Sprintf(`INSERT INTO %s (source_id, natural_key, first_seen_at) VALUES ($1,$2,$3)
ON CONFLICT (source_id, natural_key) DO NOTHING`, l.table)
	if _, err := l.pool.Exec(ctx, query, sourceID, entry.NaturalKey, entry.FirstSeenAt); err != nil {
		return classify("append dedup log", entry.NaturalKey, err)
	}
	return nil
}
