package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"studyloop/features/material"
	"studyloop/internal/middleware"
	"studyloop/internal/orchestrator"
)

var ErrNoMaterials = errors.New("no completed materials for this week")

type ConfigStore interface {
	GetConfig(ctx context.Context, courseID, weekID string) (*orchestrator.GenerationConfig, error)
	SaveConfig(ctx context.Context, cfg *orchestrator.GenerationConfig) error
}

type Runner interface {
	Orchestrate(ctx context.Context, b orchestrator.Batch) (*orchestrator.RunSummary, error)
	GetRun(ctx context.Context, id string) (*orchestrator.RunView, error)
}

type MaterialLister interface {
	List(ctx context.Context, courseID, weekID string) ([]material.Material, error)
}

type Handler struct {
	configs   ConfigStore
	runner    Runner
	materials MaterialLister
}

func NewHandler(configs ConfigStore, runner Runner, materials MaterialLister) *Handler {
	return &Handler{configs: configs, runner: runner, materials: materials}
}

// GetConfig serves GET /courses/{courseId}/weeks/{weekId}/generation-config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.GetConfig(r.Context(), r.PathValue("courseId"), r.PathValue("weekId"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrConfigNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Generation config not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "failed to load generation config", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.writeData(r.Context(), w, http.StatusOK, cfg)
}

// PutConfig serves PUT /courses/{courseId}/weeks/{weekId}/generation-config.
// The body is {"features":[{"type":"cuecards","enabled":true,...},...]}.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg orchestrator.GenerationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	cfg.CourseID = r.PathValue("courseId")
	cfg.WeekID = r.PathValue("weekId")
	if cfg.CourseID == "" || cfg.WeekID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "courseId and weekId are required", http.StatusBadRequest)
		return
	}
	if cfg.Features == nil {
		cfg.Features = []orchestrator.Feature{}
	}

	if err := h.configs.SaveConfig(r.Context(), &cfg); err != nil {
		slog.ErrorContext(r.Context(), "failed to save generation config", "course_id", cfg.CourseID, "week_id", cfg.WeekID, "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(r.Context(), "generation config saved", "course_id", cfg.CourseID, "week_id", cfg.WeekID, "features", len(cfg.Features))
	h.writeData(r.Context(), w, http.StatusOK, cfg)
}

// Generate serves POST /courses/{courseId}/weeks/{weekId}/generate. Without
// an explicit materialIds list every completed material of the week is used.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaterialIDs []string `json:"materialIds"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
	}
	batch := orchestrator.Batch{
		CourseID:    r.PathValue("courseId"),
		WeekID:      r.PathValue("weekId"),
		MaterialIDs: req.MaterialIDs,
	}

	if len(batch.MaterialIDs) == 0 {
		ids, err := h.completedMaterials(r.Context(), batch.CourseID, batch.WeekID)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to list materials", "error", err)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if len(ids) == 0 {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", ErrNoMaterials.Error(), http.StatusUnprocessableEntity)
			return
		}
		batch.MaterialIDs = ids
	}

	summary, err := h.runner.Orchestrate(r.Context(), batch)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrConfigNotFound):
			h.writeError(r.Context(), w, "NOT_FOUND", "Generation config not found", http.StatusNotFound)
		case errors.Is(err, orchestrator.ErrNoFeaturesEnabled):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusUnprocessableEntity)
		default:
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to schedule generation", http.StatusInternalServerError)
		}
		return
	}
	h.writeData(r.Context(), w, http.StatusAccepted, summary)
}

func (h *Handler) completedMaterials(ctx context.Context, courseID, weekID string) ([]string, error) {
	materials, err := h.materials.List(ctx, courseID, weekID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range materials {
		if m.Status == material.StatusCompleted {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// GetRun serves GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.runner.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Run not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "failed to load run", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.writeData(r.Context(), w, http.StatusOK, view)
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
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
