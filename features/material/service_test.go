package material

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"studyloop/internal/config"
	"studyloop/internal/middleware"
	"studyloop/internal/vector"
	"studyloop/internal/worker"
)

// --- Mocks ---

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, mat *Material) error {
	args := m.Called(ctx, mat)
	if args.Error(0) == nil {
		mat.ID = "mat-1"
	}
	return args.Error(0)
}

func (m *MockRepository) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	args := m.Called(ctx, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) Get(ctx context.Context, id string) (*Material, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Material), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, courseID, weekID string) ([]Material, error) {
	args := m.Called(ctx, courseID, weekID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Material), args.Error(1)
}

func (m *MockRepository) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}

func (m *MockRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRepository) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) ListChunks(ctx context.Context, materialID string) ([]vector.Chunk, error) {
	args := m.Called(ctx, materialID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Chunk), args.Error(1)
}

func (m *MockChunkStore) DeleteChunks(ctx context.Context, materialID string) error {
	args := m.Called(ctx, materialID)
	return args.Error(0)
}

func (m *MockChunkStore) SimilarChunks(ctx context.Context, vec []float32, materialIDs []string, limit int) ([]vector.Chunk, error) {
	args := m.Called(ctx, vec, materialIDs, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Chunk), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

type embedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedderFunc) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

type objectsFunc func(ctx context.Context, key string) (bool, error)

func (f objectsFunc) Exists(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

func newMaterial() *Material {
	return &Material{CourseID: "bio-101", WeekID: "w1", Title: "Cells", StoragePath: "bio-101/w1/cells.pdf"}
}

func TestService_Register(t *testing.T) {
	repo := new(MockRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil, nil, nil)

	ctx := middleware.WithCorrelationID(context.Background(), "corr-1")
	repo.On("ExistsByHash", ctx, mock.Anything).Return(false, nil)
	repo.On("Save", ctx, mock.MatchedBy(func(m *Material) bool { return m.Status == StatusPending })).Return(nil)
	pub.On("Publish", config.TopicIngestMaterial, mock.Anything).Return(nil)

	m := newMaterial()
	require.NoError(t, svc.Register(ctx, m))
	assert.Equal(t, "mat-1", m.ID)
	assert.Len(t, m.ContentHash, 64)

	var payload worker.IngestPayload
	body := pub.Calls[0].Arguments.Get(1).([]byte)
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, worker.IngestPayload{MaterialID: "mat-1", CorrelationID: "corr-1"}, payload)
}

func TestService_Register_Duplicate(t *testing.T) {
	repo := new(MockRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil, nil, nil)

	repo.On("ExistsByHash", mock.Anything, mock.Anything).Return(true, nil)

	err := svc.Register(context.Background(), newMaterial())
	assert.ErrorIs(t, err, ErrDuplicate)
	repo.AssertNumberOfCalls(t, "Save", 0)
	pub.AssertNumberOfCalls(t, "Publish", 0)
}

func TestService_Register_ObjectMissing(t *testing.T) {
	repo := new(MockRepository)
	objects := objectsFunc(func(context.Context, string) (bool, error) { return false, nil })
	svc := NewService(repo, new(MockPublisher), nil, nil, objects)

	repo.On("ExistsByHash", mock.Anything, mock.Anything).Return(false, nil)

	err := svc.Register(context.Background(), newMaterial())
	assert.ErrorIs(t, err, ErrObjectNotFound)
	repo.AssertNumberOfCalls(t, "Save", 0)
}

func TestService_Register_PublishFailure(t *testing.T) {
	repo := new(MockRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil, nil, nil)

	repo.On("ExistsByHash", mock.Anything, mock.Anything).Return(false, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("nsqd down"))

	err := svc.Register(context.Background(), newMaterial())
	assert.ErrorContains(t, err, "failed to queue ingestion")
}

func TestContentHash_ScopedToCourseWeek(t *testing.T) {
	a := newMaterial()
	b := newMaterial()
	b.WeekID = "w2"
	assert.NotEqual(t, contentHash(a), contentHash(b))
	assert.Equal(t, contentHash(a), contentHash(newMaterial()))
}

func TestService_Get_WithChunks(t *testing.T) {
	repo := new(MockRepository)
	chunks := new(MockChunkStore)
	svc := NewService(repo, nil, chunks, nil, nil)

	repo.On("Get", mock.Anything, "m1").Return(&Material{ID: "m1", ChunkCount: 2}, nil)
	chunks.On("ListChunks", mock.Anything, "m1").Return([]vector.Chunk{
		{MaterialID: "m1", Index: 0, Content: "a"},
		{MaterialID: "m1", Index: 1, Content: "b"},
	}, nil)

	detail, err := svc.Get(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.TotalChunks)
	assert.Equal(t, 1, detail.Chunks[1].ChunkIndex)
}

func TestService_Get_ChunkStoreFailureDegrades(t *testing.T) {
	repo := new(MockRepository)
	chunks := new(MockChunkStore)
	svc := NewService(repo, nil, chunks, nil, nil)

	repo.On("Get", mock.Anything, "m1").Return(&Material{ID: "m1", ChunkCount: 4}, nil)
	chunks.On("ListChunks", mock.Anything, "m1").Return(nil, errors.New("weaviate down"))

	detail, err := svc.Get(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Empty(t, detail.Chunks)
	assert.Equal(t, 4, detail.TotalChunks)
}

func TestService_Reprocess(t *testing.T) {
	repo := new(MockRepository)
	pub := new(MockPublisher)
	svc := NewService(repo, pub, nil, nil, nil)

	repo.On("Get", mock.Anything, "m1").Return(&Material{ID: "m1"}, nil)
	repo.On("UpdateStatus", mock.Anything, "m1", StatusPending, "").Return(nil)
	pub.On("Publish", config.TopicIngestMaterial, mock.MatchedBy(func(b []byte) bool {
		var p worker.IngestPayload
		return json.Unmarshal(b, &p) == nil && p.Reprocess && p.MaterialID == "m1"
	})).Return(nil)

	require.NoError(t, svc.Reprocess(context.Background(), "m1"))
	pub.AssertExpectations(t)
}

func TestService_Delete_NotFound(t *testing.T) {
	repo := new(MockRepository)
	chunks := new(MockChunkStore)
	svc := NewService(repo, nil, chunks, nil, nil)

	repo.On("Get", mock.Anything, "nope").Return(nil, sql.ErrNoRows)

	err := svc.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	chunks.AssertNumberOfCalls(t, "DeleteChunks", 0)
}

func TestService_Search(t *testing.T) {
	chunks := new(MockChunkStore)
	vec := []float32{0.1, 0.2}
	embed := embedderFunc(func(_ context.Context, text string) ([]float32, error) {
		assert.Equal(t, "mitochondria", text)
		return vec, nil
	})
	svc := NewService(nil, nil, chunks, embed, nil)

	chunks.On("SimilarChunks", mock.Anything, vec, []string{"m1"}, 10).
		Return([]vector.Chunk{{MaterialID: "m1", Index: 3, Content: "powerhouse", Score: 0.9}}, nil)

	results, err := svc.Search(context.Background(), "  mitochondria ", []string{"m1"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, float32(0.9), results[0].Score)

	_, err = svc.Search(context.Background(), " ", nil, 5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}
