package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

var safeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CheckpointStore keeps one YAML file per source under BaseDir.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore prepares cfg.BaseDir for checkpoint files.
func NewCheckpointStore(cfg Config) (*CheckpointStore, error) {
	dir, err := prepareDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{dir: dir}, nil
}

// Load reads the cursor for sourceID. A missing file means no checkpoint.
func (s *CheckpointStore) Load(_ context.Context, sourceID string) (crawler.CrawlCursor, bool, error) {
	// #nosec G304 -- file name is derived from a sanitized source id.
	data, err := os.ReadFile(s.path(sourceID))
	if errors.Is(err, fs.ErrNotExist) {
		return crawler.CrawlCursor{}, false, nil
	}
	if err != nil {
		return crawler.CrawlCursor{}, false, fmt.Errorf("read checkpoint %s: %w", sourceID, err)
	}
	var cursor crawler.CrawlCursor
	if err := yaml.Unmarshal(data, &cursor); err != nil {
		return crawler.CrawlCursor{}, false, fmt.Errorf("decode checkpoint %s: %w", sourceID, err)
	}
	return cursor, true, nil
}

// Save replaces the checkpoint file atomically.
func (s *CheckpointStore) Save(_ context.Context, cursor crawler.CrawlCursor) error {
	data, err := yaml.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cursor.SourceID, err)
	}
	if err := writeFileAtomic(s.path(cursor.SourceID), data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cursor.SourceID, err)
	}
	return nil
}

func (s *CheckpointStore) path(sourceID string) string {
	return filepath.Join(s.dir, safeName.ReplaceAllString(sourceID, "_")+".checkpoint.yaml")
}
