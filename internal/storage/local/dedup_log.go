package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

// DedupLog appends one JSON line per key to a per-source file and syncs
// after every write.
type DedupLog struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// maxLine bounds a single log line.
const maxLine = 1024 * 1024

// NewDedupLog prepares cfg.BaseDir for dedup log files.
func NewDedupLog(cfg Config, logger *zap.Logger) (*DedupLog, error) {
	dir, err := prepareDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DedupLog{dir: dir, logger: logger}, nil
}

// LoadAll replays the log for sourceID. An undecodable final line is a
// write torn by a crash and is ignored; an undecodable earlier line is
// corruption and is skipped with a warning.
func (l *DedupLog) LoadAll(_ context.Context, sourceID string) ([]crawler.DedupEntry, error) {
	// #nosec G304 -- file name is derived from a sanitized source id.
	f, err := os.Open(l.path(sourceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dedup log %s: %w", sourceID, err)
	}
	defer func() { _ = f.Close() }()

	var (
		entries []crawler.DedupEntry
		bad     []int
		lineNo  int
		lastBad bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e crawler.DedupEntry
		if err := json.Unmarshal(line, &e); err != nil || e.NaturalKey == "" {
			bad = append(bad, lineNo)
			lastBad = true
			continue
		}
		lastBad = false
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dedup log %s: %w", sourceID, err)
	}
	if lastBad {
		l.logger.Info("ignoring torn trailing dedup log line",
			zap.String("source", sourceID), zap.Int("line", bad[len(bad)-1]))
		bad = bad[:len(bad)-1]
	}
	if len(bad) > 0 {
		l.logger.Warn("skipped corrupt dedup log lines",
			zap.String("source", sourceID),
			zap.String("path", f.Name()),
			zap.Ints("lines", bad))
	}
	return entries, nil
}

// Append writes entry and fsyncs before returning. A torn tail left by an
// earlier crash is cut off first so it stays the only kind of bad line that
// can end the file.
func (l *DedupLog) Append(_ context.Context, sourceID string, entry crawler.DedupEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dedup entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	// #nosec G304 -- file name is derived from a sanitized source id.
	f, err := os.OpenFile(l.path(sourceID), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open dedup log %s: %w", sourceID, err)
	}
	if err := trimTornTail(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("repair dedup log %s: %w", sourceID, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append dedup log %s: %w", sourceID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync dedup log %s: %w", sourceID, err)
	}
	return f.Close()
}

// trimTornTail truncates f after its last newline when the final line is
// incomplete.
func trimTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	window := min(size, int64(maxLine))
	tail := make([]byte, window)
	if _, err := f.ReadAt(tail, size-window); err != nil {
		return err
	}
	cut := int64(0)
	if i := bytes.LastIndexByte(tail, '\n'); i >= 0 {
		cut = size - window + int64(i) + 1
	} else if window < size {
		return fmt.Errorf("last line exceeds %d bytes", maxLine)
	}
	return f.Truncate(cut)
}

func (l *DedupLog) path(sourceID string) string {
	return filepath.Join(l.dir, safeName.ReplaceAllString(sourceID, "_")+".dedup.jsonl")
}
