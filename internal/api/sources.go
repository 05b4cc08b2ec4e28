package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
	"github.com/JakeFAU/incremental-crawler/internal/progress/sinks"
)

const checkpointTimeout = 3 * time.Second

// StatusReader exposes the live per-source run status.
type StatusReader interface {
	Source(id string) (sinks.SourceStatus, bool)
}

// CursorReader loads persisted checkpoints.
type CursorReader interface {
	Load(ctx context.Context, sourceID string) (crawler.CrawlCursor, bool, error)
}

// SourcesHandler serves GET /v1/sources and GET /v1/sources/{source_id}.
type SourcesHandler struct {
	ids     []string
	status  StatusReader
	cursors CursorReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewSourcesHandler wires the configured source ids to their status and
// checkpoint views. Either view may be nil.
func NewSourcesHandler(ids []string, status StatusReader, cursors CursorReader, logger *zap.Logger) *SourcesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourcesHandler{
		ids:     ids,
		status:  status,
		cursors: cursors,
		timeout: checkpointTimeout,
		logger:  logger,
	}
}

type sourceDTO struct {
	ID     string              `json:"id"`
	Status *sinks.SourceStatus `json:"status,omitempty"`
	Cursor *cursorDTO          `json:"cursor,omitempty"`
}

type cursorDTO struct {
	Category  string    `json:"category"`
	Offset    int       `json:"offset"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns {"sources": [...]} for every configured source. A failed
// checkpoint read omits that source's cursor.
func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out := lo.Map(h.ids, func(id string, _ int) sourceDTO {
		dto, err := h.describe(ctx, id)
		if err != nil {
			h.logger.Warn("load checkpoint failed", zap.String("source", id), zap.Error(err))
		}
		return dto
	})
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// Get returns {"source": {...}}, 404 for unknown ids, or 500 when the
// checkpoint store fails.
func (h *SourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if !lo.Contains(h.ids, id) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	dto, err := h.describe(ctx, id)
	if err != nil {
		h.logger.Error("load checkpoint failed", zap.String("source", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": dto})
}

func (h *SourcesHandler) describe(ctx context.Context, id string) (sourceDTO, error) {
	dto := sourceDTO{ID: id}
	if h.status != nil {
		if st, ok := h.status.Source(id); ok {
			dto.Status = &st
		}
	}
	if h.cursors == nil {
		return dto, nil
	}
	cur, ok, err := h.cursors.Load(ctx, id)
	if err != nil {
		return dto, err
	}
	if ok {
		dto.Cursor = &cursorDTO{
			Category:  cur.CategoryID,
			Offset:    cur.Offset,
			Completed: cur.Completed,
			UpdatedAt: cur.UpdatedAt,
		}
	}
	return dto, nil
}
