package material

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"studyloop/internal/config"
	"studyloop/internal/middleware"
	"studyloop/internal/vector"
	"studyloop/internal/worker"
)

var (
	ErrDuplicate      = errors.New("material already registered")
	ErrObjectNotFound = errors.New("material object not found in storage")
	ErrEmptyQuery     = errors.New("query is required")
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Material struct {
	ID          string `json:"id"`
	CourseID    string `json:"courseId"`
	WeekID      string `json:"weekId"`
	Title       string `json:"title"`
	StoragePath string `json:"storagePath"`
	ContentHash string `json:"-"`
	Status      string `json:"status"`
	ChunkCount  int    `json:"chunkCount"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type Repository interface {
	Save(ctx context.Context, m *Material) error
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	Get(ctx context.Context, id string) (*Material, error)
	List(ctx context.Context, courseID, weekID string) ([]Material, error)
	UpdateStatus(ctx context.Context, id, status, errMsg string) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type ChunkStore interface {
	ListChunks(ctx context.Context, materialID string) ([]vector.Chunk, error)
	DeleteChunks(ctx context.Context, materialID string) error
	SimilarChunks(ctx context.Context, vec []float32, materialIDs []string, limit int) ([]vector.Chunk, error)
}

type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo     Repository
	pub      EventPublisher
	chunks   ChunkStore
	embedder QueryEmbedder
	objects  ObjectChecker
}

// NewService wires the material service. objects may be nil, in which case
// registration does not check the bucket.
func NewService(repo Repository, pub EventPublisher, chunks ChunkStore, embedder QueryEmbedder, objects ObjectChecker) *Service {
	return &Service{repo: repo, pub: pub, chunks: chunks, embedder: embedder, objects: objects}
}

func contentHash(m *Material) string {
	hash := sha256.Sum256([]byte(m.CourseID + "\x00" + m.WeekID + "\x00" + m.StoragePath))
	return fmt.Sprintf("%x", hash)
}

// Register stores a material as pending and queues it for ingestion.
func (s *Service) Register(ctx context.Context, m *Material) error {
	m.ContentHash = contentHash(m)

	exists, err := s.repo.ExistsByHash(ctx, m.ContentHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}

	if s.objects != nil {
		ok, err := s.objects.Exists(ctx, m.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to check storage: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, m.StoragePath)
		}
	}

	m.Status = StatusPending
	if err := s.repo.Save(ctx, m); err != nil {
		return err
	}

	return s.publish(ctx, m.ID, false)
}

func (s *Service) publish(ctx context.Context, id string, reprocess bool) error {
	payload, err := json.Marshal(worker.IngestPayload{
		MaterialID:    id,
		Reprocess:     reprocess,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(config.TopicIngestMaterial, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingest event", "error", err, "material_id", id)
		return fmt.Errorf("failed to queue ingestion: %w", err)
	}
	slog.InfoContext(ctx, "published ingest event", "material_id", id, "reprocess", reprocess)
	return nil
}

type Detail struct {
	Material
	Chunks      []ChunkView `json:"chunks"`
	TotalChunks int         `json:"totalChunks"`
}

type ChunkView struct {
	MaterialID string  `json:"materialId"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	TokenCount int     `json:"tokenCount"`
	Score      float32 `json:"score,omitempty"`
}

func toViews(chunks []vector.Chunk) []ChunkView {
	views := make([]ChunkView, 0, len(chunks))
	for _, c := range chunks {
		views = append(views, ChunkView{
			MaterialID: c.MaterialID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			Score:      c.Score,
		})
	}
	return views
}

func (s *Service) Get(ctx context.Context, id string, includeChunks bool) (*Detail, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &Detail{Material: *m, Chunks: []ChunkView{}, TotalChunks: m.ChunkCount}
	if !includeChunks {
		return detail, nil
	}

	chunks, err := s.chunks.ListChunks(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch chunks", "error", err, "material_id", id)
		return detail, nil
	}
	detail.Chunks = toViews(chunks)
	detail.TotalChunks = len(chunks)
	return detail, nil
}

func (s *Service) List(ctx context.Context, courseID, weekID string) ([]Material, error) {
	return s.repo.List(ctx, courseID, weekID)
}

// Reprocess queues a material for a fresh ingestion. The worker replaces the
// full chunk set.
func (s *Service) Reprocess(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, id, StatusPending, ""); err != nil {
		return err
	}
	return s.publish(ctx, id, true)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.chunks.DeleteChunks(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// Search returns the chunks of materialIDs closest to query.
func (s *Service) Search(ctx context.Context, query string, materialIDs []string, limit int) ([]ChunkView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	chunks, err := s.chunks.SimilarChunks(ctx, vec, materialIDs, limit)
	if err != nil {
		return nil, err
	}
	return toViews(chunks), nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
