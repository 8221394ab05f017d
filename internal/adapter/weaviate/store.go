package weaviate

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"studyloop/internal/vector"
)

const pageSize = 100

// chunkNamespace seeds deterministic chunk object ids.
var chunkNamespace = uuid.MustParse("5b8e3c1e-0f6a-4e55-9a57-3f2d6c1b7a10")

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// ChunkID derives the object id of a chunk from its material and position,
// so concurrent writers of the same material converge on the same objects.
func ChunkID(materialID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", materialID, index))).String()
}

// ReplaceChunks deletes every chunk of the material and inserts the given set.
func (s *Store) ReplaceChunks(ctx context.Context, materialID string, chunks []vector.Chunk) error {
	if err := s.DeleteChunks(ctx, materialID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	for start := 0; start < len(chunks); start += pageSize {
		end := min(start+pageSize, len(chunks))
		objects := make([]*models.Object, 0, end-start)
		for _, c := range chunks[start:end] {
			objects = append(objects, &models.Object{
				Class: vector.ClassName,
				ID:    strfmt.UUID(ChunkID(materialID, c.Index)),
				Properties: map[string]interface{}{
					"content":    c.Content,
					"materialId": materialID,
					"courseId":   c.CourseID,
					"weekId":     c.WeekID,
					"chunkIndex": c.Index,
					"tokenCount": c.TokenCount,
				},
				Vector: models.C11yVector(c.Vector),
			})
		}

		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				return fmt.Errorf("insert chunk %s: %s", r.ID, r.Result.Errors.Error[0].Message)
			}
		}
	}
	return nil
}

func (s *Store) DeleteChunks(ctx context.Context, materialID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(materialFilter(materialID)).
		Do(ctx)
	return err
}

// ListChunks returns every chunk of a material ordered by chunk index.
func (s *Store) ListChunks(ctx context.Context, materialID string) ([]vector.Chunk, error) {
	var all []vector.Chunk
	for offset := 0; ; offset += pageSize {
		res, err := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithWhere(materialFilter(materialID)).
			WithSort(graphql.Sort{Path: []string{"chunkIndex"}, Order: graphql.Asc}).
			WithLimit(pageSize).
			WithOffset(offset).
			WithFields(chunkFields()...).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
		}

		page := parseChunks(res.Data)
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all, nil
}

// SimilarChunks runs a near-vector query restricted to the given materials.
func (s *Store) SimilarChunks(ctx context.Context, vec []float32, materialIDs []string, limit int) ([]vector.Chunk, error) {
	if len(materialIDs) == 0 {
		return nil, nil
	}

	operands := make([]*filters.WhereBuilder, 0, len(materialIDs))
	for _, id := range materialIDs {
		operands = append(operands, materialFilter(id))
	}
	where := operands[0]
	if len(operands) > 1 {
		where = filters.Where().WithOperator(filters.Or).WithOperands(operands)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := append(chunkFields(), graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}})

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}
	return parseChunks(res.Data), nil
}

// CountChunks returns the number of stored chunks for a material, or across
// all materials when materialID is empty.
func (s *Store) CountChunks(ctx context.Context, materialID string) (int, error) {
	agg := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
	if materialID != "" {
		agg = agg.WithWhere(materialFilter(materialID))
	}
	res, err := agg.Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	aggData, _ := res.Data["Aggregate"].(map[string]interface{})
	rows, _ := aggData[vector.ClassName].([]interface{})
	if len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func materialFilter(materialID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"materialId"}).
		WithOperator(filters.Equal).
		WithValueString(materialID)
}

func chunkFields() []graphql.Field {
	return []graphql.Field{
		{Name: "content"},
		{Name: "materialId"},
		{Name: "courseId"},
		{Name: "weekId"},
		{Name: "chunkIndex"},
		{Name: "tokenCount"},
	}
}

func parseChunks(data map[string]models.JSONObject) []vector.Chunk {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[vector.ClassName].([]interface{})
	if !ok {
		return nil
	}

	chunks := make([]vector.Chunk, 0, len(raw))
	for _, c := range raw {
		props, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := vector.Chunk{}
		chunk.Content, _ = props["content"].(string)
		chunk.MaterialID, _ = props["materialId"].(string)
		chunk.CourseID, _ = props["courseId"].(string)
		chunk.WeekID, _ = props["weekId"].(string)
		if idx, ok := props["chunkIndex"].(float64); ok {
			chunk.Index = int(idx)
		}
		if tc, ok := props["tokenCount"].(float64); ok {
			chunk.TokenCount = int(tc)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				chunk.Score = float32(certainty)
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
