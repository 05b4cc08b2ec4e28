// Package redis stores checkpoints and dedup logs in Redis so several
// crawler hosts can share progress.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

const defaultPrefix = "crawler:"

// Config captures the Redis connection settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// CheckpointStore keeps each cursor as a JSON string under <prefix>checkpoint:<source>.
type CheckpointStore struct {
	client redis.Cmdable
	prefix string
}

// NewCheckpointStore wraps client.
func NewCheckpointStore(client redis.Cmdable, prefix string) *CheckpointStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &CheckpointStore{client: client, prefix: prefix}
}

// Load reads the cursor for sourceID.
func (s *CheckpointStore) Load(ctx context.Context, sourceID string) (crawler.CrawlCursor, bool, error) {
	val, err := s.client.Get(ctx, s.key(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return crawler.CrawlCursor{}, false, nil
	}
	if err != nil {
		return crawler.CrawlCursor{}, false, fmt.Errorf("get checkpoint %s: %w", sourceID, err)
	}
	var cursor crawler.CrawlCursor
	if err := json.Unmarshal(val, &cursor); err != nil {
		return crawler.CrawlCursor{}, false, fmt.Errorf("decode checkpoint %s: %w", sourceID, err)
	}
	return cursor, true, nil
}

// Save overwrites the cursor. A single SET is atomic.
func (s *CheckpointStore) Save(ctx context.Context, cursor crawler.CrawlCursor) error {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cursor.SourceID, err)
	}
	if err := s.client.Set(ctx, s.key(cursor.SourceID), payload, 0).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", cursor.SourceID, err)
	}
	return nil
}

func (s *CheckpointStore) key(sourceID string) string {
	return s.prefix + "checkpoint:" + sourceID
}

// DedupLog keeps a hash per source mapping natural key to first-seen time.
// HSETNX keeps the earliest timestamp when two hosts race.
type DedupLog struct {
	client redis.Cmdable
	prefix string
}

// NewDedupLog wraps client.
func NewDedupLog(client redis.Cmdable, prefix string) *DedupLog {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &DedupLog{client: client, prefix: prefix}
}

// LoadAll scans the hash for sourceID.
func (l *DedupLog) LoadAll(ctx context.Context, sourceID string) ([]crawler.DedupEntry, error) {
	var entries []crawler.DedupEntry
	iter := l.client.HScan(ctx, l.key(sourceID), 0, "", 1000).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		seen, err := time.Parse(time.RFC3339Nano, iter.Val())
		if err != nil {
			seen = time.Time{}
		}
		entries = append(entries, crawler.DedupEntry{NaturalKey: field, FirstSeenAt: seen})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan dedup log %s: %w", sourceID, err)
	}
	return entries, nil
}

// Append records entry unless the key already exists.
func (l *DedupLog) Append(ctx context.Context, sourceID string, entry crawler.DedupEntry) error {
	seen := entry.FirstSeenAt.UTC().Format(time.RFC3339Nano)
	if err := l.client.HSetNX(ctx, l.key(sourceID), entry.NaturalKey, seen).Err(); err != nil {
		return fmt.Errorf("append dedup log %s: %w", sourceID, err)
	}
	return nil
}

func (l *DedupLog) key(sourceID string) string {
	return l.prefix + "dedup:" + sourceID
}
