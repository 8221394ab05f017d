package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"studyloop/internal/middleware"
	"studyloop/internal/orchestrator"
)

type OrchestrateConsumer struct {
	orchestrator Orchestrator
}

func NewOrchestrateConsumer(o Orchestrator) *OrchestrateConsumer {
	return &OrchestrateConsumer{orchestrator: o}
}

func (h *OrchestrateConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload OrchestratePayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("poison pill: invalid json", "error", err, "topic", "content.orchestrate")
		return nil
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if payload.CourseID == "" || payload.WeekID == "" {
		slog.ErrorContext(ctx, "missing required fields, dropping", "course_id", payload.CourseID, "week_id", payload.WeekID)
		return nil
	}

	runID := payload.RunID
	if runID == "" {
		runID = RunIDForMessage(m.ID)
	} else if _, err := uuid.Parse(runID); err != nil {
		slog.ErrorContext(ctx, "invalid run id, dropping", "run_id", runID, "error", err)
		return nil
	}

	summary, err := h.orchestrator.Orchestrate(ctx, orchestrator.Batch{
		RunID:       runID,
		CourseID:    payload.CourseID,
		WeekID:      payload.WeekID,
		MaterialIDs: payload.MaterialIDs,
	})
	if errors.Is(err, orchestrator.ErrConfigNotFound) || errors.Is(err, orchestrator.ErrNoFeaturesEnabled) {
		slog.WarnContext(ctx, "orchestration rejected", "error", err)
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "orchestration failed", "error", err)
		return err // Retry
	}

	slog.InfoContext(ctx, "orchestration scheduled", "run_id", summary.RunID, "features", len(summary.Features))
	return nil
}

// RunIDForMessage maps an NSQ message id to a run id. The id is stable across
// requeues, so a redelivered message resumes the run it started.
func RunIDForMessage(id nsq.MessageID) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, id[:]).String()
}
