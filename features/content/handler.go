package content

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"studyloop/internal/middleware"
)

type Lister interface {
	List(ctx context.Context, t Type, courseID, weekID string) ([]json.RawMessage, error)
}

type Handler struct {
	repo Lister
}

func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// List serves GET /courses/{courseId}/weeks/{weekId}/content/{type}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	t, err := ParseType(r.PathValue("type"))
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	courseID, weekID := r.PathValue("courseId"), r.PathValue("weekId")

	items, err := h.repo.List(r.Context(), t, courseID, weekID)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(r.Context(), "failed to list content", "type", t, "course_id", courseID, "week_id", weekID, "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": items,
		"meta": map[string]int{"count": len(items)},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
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
