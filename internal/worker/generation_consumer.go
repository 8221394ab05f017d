package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"studyloop/features/job"
	"studyloop/internal/middleware"
	"studyloop/internal/pipeline"
)

const touchInterval = 20 * time.Second

// GenerationConsumer runs one pipeline execution per content.generate
// message and reports the outcome on the owning feature run.
type GenerationConsumer struct {
	pipeline Executor
	results  ResultRecorder
	jobs     FailedJobStore
}

func NewGenerationConsumer(p Executor, r ResultRecorder, jobs FailedJobStore) *GenerationConsumer {
	return &GenerationConsumer{pipeline: p, results: r, jobs: jobs}
}

func (h *GenerationConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var req pipeline.Request
	if err := json.Unmarshal(m.Body, &req); err != nil {
		slog.Error("poison pill: invalid json", "error", err, "topic", "content.generate")
		return nil
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), batchID)
	ctx = middleware.WithBatchID(ctx, batchID)

	stop := keepAlive(m, touchInterval)
	res, err := h.pipeline.Execute(ctx, req)
	stop()

	if res == nil {
		res = &pipeline.Result{ContentType: req.ContentType}
		if err != nil {
			res.Error = err.Error()
		}
	}

	if req.BatchID != "" {
		if rerr := h.results.RecordFeatureResult(ctx, req.BatchID, res); rerr != nil {
			slog.ErrorContext(ctx, "failed to record feature result", "error", rerr)
		}
	}

	if err != nil {
		slog.ErrorContext(ctx, "generation failed", "content_type", req.ContentType, "error", err)
		if errors.Is(err, pipeline.ErrValidation) {
			return nil
		}
		failedJob := &job.Job{
			BatchID: req.BatchID,
			Handler: job.HandlerGeneration,
			Payload: m.Body,
			Error:   err.Error(),
		}
		if serr := h.jobs.Save(ctx, failedJob); serr != nil {
			slog.ErrorContext(ctx, "failed to save failed job", "error", serr)
		}
		return nil
	}

	slog.InfoContext(ctx, "generation completed", "content_type", req.ContentType, "generated", res.GeneratedCount)
	return nil
}

// keepAlive touches m until the returned func is called so long generations
// do not hit the nsqd message timeout.
func keepAlive(m *nsq.Message, every time.Duration) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				m.Touch()
			}
		}
	}()
	return func() { close(done) }
}
