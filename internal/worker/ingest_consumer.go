package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"studyloop/features/job"
	"studyloop/internal/metrics"
	"studyloop/internal/middleware"
	"studyloop/internal/text"
	"studyloop/internal/vector"
)

var ErrNoChunks = errors.New("extracted text produced no chunks")

const (
	// embedWindow texts are embedded per concurrent call.
	embedWindow       = 200
	embedParallelism  = 3
	defaultChunkLimit = text.DefaultMaxTokens
)

type IngestConsumer struct {
	materials MaterialStore
	objects   Downloader
	extractor Extractor
	embedder  Embedder
	chunks    ChunkWriter
	jobs      FailedJobStore
	metrics   *metrics.Metrics
	maxTokens int
}

func NewIngestConsumer(ms MaterialStore, d Downloader, x Extractor, e Embedder, cw ChunkWriter, jobs FailedJobStore, m *metrics.Metrics, maxTokens int) *IngestConsumer {
	if maxTokens <= 0 {
		maxTokens = defaultChunkLimit
	}
	return &IngestConsumer{
		materials: ms,
		objects:   d,
		extractor: x,
		embedder:  e,
		chunks:    cw,
		jobs:      jobs,
		metrics:   m,
		maxTokens: maxTokens,
	}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// poison pill
		slog.Error("poison pill: invalid json", "error", err, "topic", "ingest.material")
		return nil
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if payload.MaterialID == "" {
		slog.ErrorContext(ctx, "missing material id, dropping")
		return nil
	}

	target, err := h.materials.IngestTarget(ctx, payload.MaterialID)
	if errors.Is(err, sql.ErrNoRows) {
		slog.WarnContext(ctx, "material no longer exists, dropping", "material_id", payload.MaterialID)
		return nil
	}
	if err != nil {
		return err
	}

	if target.Status == materialCompleted && !payload.Reprocess {
		slog.InfoContext(ctx, "material already ingested, skipping redelivery", "material_id", target.ID)
		return nil
	}

	if err := h.materials.UpdateStatus(ctx, target.ID, materialProcessing, ""); err != nil {
		return err
	}

	n, err := h.ingest(ctx, target)
	if err != nil {
		h.fail(ctx, target.ID, m.Body, err)
		return nil
	}

	if err := h.materials.MarkCompleted(ctx, target.ID, n); err != nil {
		slog.ErrorContext(ctx, "failed to mark material completed", "error", err, "material_id", target.ID)
		return err
	}
	h.metrics.IncIngestion("completed")
	slog.InfoContext(ctx, "material ingested", "material_id", target.ID, "chunks", n)
	return nil
}

func (h *IngestConsumer) ingest(ctx context.Context, target *IngestTarget) (int, error) {
	data, err := h.objects.Download(ctx, target.StoragePath)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	extracted, err := h.extractor.Extract(ctx, path.Base(target.StoragePath), data)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}

	pieces := text.ChunkText(text.CleanExtractionNoise(extracted), h.maxTokens)
	if len(pieces) == 0 {
		return 0, ErrNoChunks
	}

	contents := make([]string, len(pieces))
	for i, p := range pieces {
		contents[i] = p.Content
	}

	vectors, err := h.embedAll(ctx, contents)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	chunks := make([]vector.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = vector.Chunk{
			MaterialID: target.ID,
			CourseID:   target.CourseID,
			WeekID:     target.WeekID,
			Index:      p.Index,
			Content:    p.Content,
			TokenCount: p.TokenCount,
			Vector:     vectors[i],
		}
	}

	if err := h.chunks.ReplaceChunks(ctx, target.ID, chunks); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	return len(chunks), nil
}

// embedAll embeds contents in windows, a few windows at a time. Output order
// matches input order.
func (h *IngestConsumer) embedAll(ctx context.Context, contents []string) ([][]float32, error) {
	out := make([][]float32, len(contents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallelism)
	for start := 0; start < len(contents); start += embedWindow {
		end := min(start+embedWindow, len(contents))
		g.Go(func() error {
			vecs, err := h.embedder.Embed(gctx, contents[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("got %d vectors for %d chunks", len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *IngestConsumer) fail(ctx context.Context, materialID string, body []byte, cause error) {
	slog.ErrorContext(ctx, "ingestion failed", "material_id", materialID, "error", cause)
	h.metrics.IncIngestion("failed")

	if err := h.materials.UpdateStatus(ctx, materialID, materialFailed, cause.Error()); err != nil {
		slog.WarnContext(ctx, "failed to update material status to failed", "error", err)
	}

	failedJob := &job.Job{
		MaterialID: materialID,
		Handler:    job.HandlerIngest,
		Payload:    body,
		Error:      cause.Error(),
	}
	if err := h.jobs.Save(ctx, failedJob); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	slog.InfoContext(ctx, "saved failed job for retry", "job_id", failedJob.ID)
}
