package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/cenkalti/backoff/v4"

	"studyloop/features/material"
	"studyloop/internal/config"
	"studyloop/internal/idempotency"
	"studyloop/internal/middleware"
	"studyloop/internal/worker"
)

const (
	EventGenerationRequested = "generation.requested"
	EventMaterialUploaded    = "material.uploaded"
)

var ErrInvalidPayload = errors.New("invalid event payload")

type Publisher interface {
	Publish(topic string, body []byte) error
}

type MaterialRegistrar interface {
	Register(ctx context.Context, m *material.Material) error
}

// GenerationRequested hands a course week to the orchestrate consumer.
func GenerationRequested(pub Publisher) idempotency.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p worker.OrchestratePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		}
		if p.CourseID == "" || p.WeekID == "" {
			return backoff.Permanent(fmt.Errorf("%w: courseId and weekId are required", ErrInvalidPayload))
		}
		p.CorrelationID = middleware.GetCorrelationID(ctx)

		body, err := json.Marshal(p)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := pub.Publish(config.TopicContentOrchestrate, body); err != nil {
			return fmt.Errorf("failed to publish orchestration: %w", err)
		}
		slog.InfoContext(ctx, "orchestration requested", "course_id", p.CourseID, "week_id", p.WeekID, "materials", len(p.MaterialIDs))
		return nil
	}
}

// MaterialUploaded registers an uploaded object as a material. Re-delivery
// of an already registered object is not an error.
func MaterialUploaded(r MaterialRegistrar) idempotency.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			CourseID    string `json:"courseId"`
			WeekID      string `json:"weekId"`
			Title       string `json:"title"`
			StoragePath string `json:"storagePath"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		}
		if p.CourseID == "" || p.WeekID == "" || p.StoragePath == "" {
			return backoff.Permanent(fmt.Errorf("%w: courseId, weekId and storagePath are required", ErrInvalidPayload))
		}
		if p.Title == "" {
			p.Title = path.Base(p.StoragePath)
		}
		m := material.Material{CourseID: p.CourseID, WeekID: p.WeekID, Title: p.Title, StoragePath: p.StoragePath}

		err := r.Register(ctx, &m)
		switch {
		case errors.Is(err, material.ErrDuplicate):
			slog.InfoContext(ctx, "material already registered", "storage_path", m.StoragePath)
			return nil
		case errors.Is(err, material.ErrObjectNotFound):
			return backoff.Permanent(err)
		case err != nil:
			return err
		}
		slog.InfoContext(ctx, "material registered from upload", "material_id", m.ID, "storage_path", m.StoragePath)
		return nil
	}
}
