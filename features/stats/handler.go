package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"studyloop/features/content"
	"studyloop/internal/middleware"
)

type MaterialRepo interface {
	Count(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type ContentRepo interface {
	Counts(ctx context.Context) (map[content.Type]int, error)
}

// ChunkCounter counts stored chunks; an empty materialID means all materials.
type ChunkCounter interface {
	CountChunks(ctx context.Context, materialID string) (int, error)
}

type Handler struct {
	materials MaterialRepo
	jobs      JobRepo
	content   ContentRepo
	chunks    ChunkCounter
}

func NewHandler(m MaterialRepo, j JobRepo, c ContentRepo, v ChunkCounter) *Handler {
	return &Handler{materials: m, jobs: j, content: c, chunks: v}
}

type StatsResponse struct {
	Materials  int                  `json:"materials"`
	Chunks     int                  `json:"chunks"`
	FailedJobs int                  `json:"failedJobs"`
	Content    map[content.Type]int `json:"content"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	mCount, err := h.materials.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count materials", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count materials", http.StatusInternalServerError)
		return
	}

	jCount, err := h.jobs.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	counts, err := h.content.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count content", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count content", http.StatusInternalServerError)
		return
	}

	cCount, err := h.chunks.CountChunks(ctx, "")
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Materials:  mCount,
		Chunks:     cCount,
		FailedJobs: jCount,
		Content:    counts,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
