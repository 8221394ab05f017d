package worker

import (
	"context"

	"studyloop/features/job"
	"studyloop/internal/orchestrator"
	"studyloop/internal/pipeline"
	"studyloop/internal/vector"
)

const (
	materialCompleted  = "completed"
	materialProcessing = "processing"
	materialFailed     = "failed"
)

// IngestTarget is the slice of a material the ingest consumer needs.
type IngestTarget struct {
	ID          string
	CourseID    string
	WeekID      string
	StoragePath string
	Status      string
}

type MaterialStore interface {
	IngestTarget(ctx context.Context, id string) (*IngestTarget, error)
	UpdateStatus(ctx context.Context, id, status, errMsg string) error
	MarkCompleted(ctx context.Context, id string, chunkCount int) error
}

type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type ChunkWriter interface {
	ReplaceChunks(ctx context.Context, materialID string, chunks []vector.Chunk) error
}

type FailedJobStore interface {
	Save(ctx context.Context, j *job.Job) error
}

type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type ResultRecorder interface {
	RecordFeatureResult(ctx context.Context, batchID string, res *pipeline.Result) error
}

type Orchestrator interface {
	Orchestrate(ctx context.Context, b orchestrator.Batch) (*orchestrator.RunSummary, error)
}
