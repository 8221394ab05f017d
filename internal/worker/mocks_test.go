package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"studyloop/features/job"
	"studyloop/internal/orchestrator"
	"studyloop/internal/pipeline"
	"studyloop/internal/vector"
	"studyloop/internal/worker"
)

type MockMaterials struct{ mock.Mock }

func (m *MockMaterials) IngestTarget(ctx context.Context, id string) (*worker.IngestTarget, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.IngestTarget), args.Error(1)
}

func (m *MockMaterials) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}

func (m *MockMaterials) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	args := m.Called(ctx, id, chunkCount)
	return args.Error(0)
}

type MockDownloader struct{ mock.Mock }

func (m *MockDownloader) Download(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type MockExtractor struct{ mock.Mock }

func (m *MockExtractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	args := m.Called(ctx, filename, data)
	return args.String(0), args.Error(1)
}

// fakeEmbedder returns a one-dimensional vector holding the text length.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

type MockChunkWriter struct{ mock.Mock }

func (m *MockChunkWriter) ReplaceChunks(ctx context.Context, materialID string, chunks []vector.Chunk) error {
	args := m.Called(ctx, materialID, chunks)
	return args.Error(0)
}

type MockJobRepo struct{ mock.Mock }

func (m *MockJobRepo) Save(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

type MockExecutor struct{ mock.Mock }

func (m *MockExecutor) Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

type MockRecorder struct{ mock.Mock }

func (m *MockRecorder) RecordFeatureResult(ctx context.Context, batchID string, res *pipeline.Result) error {
	args := m.Called(ctx, batchID, res)
	return args.Error(0)
}

type MockOrchestrator struct{ mock.Mock }

func (m *MockOrchestrator) Orchestrate(ctx context.Context, b orchestrator.Batch) (*orchestrator.RunSummary, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orchestrator.RunSummary), args.Error(1)
}
