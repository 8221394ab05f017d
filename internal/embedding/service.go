package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"studyloop/internal/metrics"
)

const DefaultBatchSize = 100

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service embeds texts cache-first. Identical texts (after normalization)
// are computed once per request, misses are sent to the backend in batches
// and each computed batch is written back with one cache write.
type Service struct {
	embedder  BatchEmbedder
	cache     *Cache
	batchSize int
	metrics   *metrics.Metrics
}

func NewService(embedder BatchEmbedder, cache *Cache, batchSize int, m *metrics.Metrics) *Service {
	if batchSize <= 0 || batchSize > DefaultBatchSize {
		batchSize = DefaultBatchSize
	}
	return &Service{embedder: embedder, cache: cache, batchSize: batchSize, metrics: m}
}

// Embed returns one vector per input text, in input order.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	var unique []string
	representative := make(map[string]string, len(texts))
	for i, t := range texts {
		k := CacheKey(t)
		keys[i] = k
		if _, seen := representative[k]; !seen {
			representative[k] = t
			unique = append(unique, k)
		}
	}

	resolved, localHits, remoteHits := s.cache.Lookup(ctx, unique)
	s.metrics.AddEmbeddingLookups("l1", localHits)
	s.metrics.AddEmbeddingLookups("l2", remoteHits)

	var misses []string
	for _, k := range unique {
		if _, ok := resolved[k]; !ok {
			misses = append(misses, k)
		}
	}

	for start := 0; start < len(misses); start += s.batchSize {
		end := min(start+s.batchSize, len(misses))
		batchKeys := misses[start:end]

		batchTexts := make([]string, len(batchKeys))
		for i, k := range batchKeys {
			batchTexts[i] = representative[k]
		}

		vectors, err := s.embedder.EmbedBatch(ctx, batchTexts)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		if len(vectors) != len(batchKeys) {
			return nil, fmt.Errorf("embed batch: got %d vectors for %d texts", len(vectors), len(batchKeys))
		}
		s.metrics.IncEmbeddingBatch()
		s.metrics.AddEmbeddingLookups("computed", len(batchKeys))

		computed := make(map[string][]float32, len(batchKeys))
		for i, k := range batchKeys {
			computed[k] = vectors[i]
			resolved[k] = vectors[i]
		}
		if err := s.cache.Store(ctx, computed); err != nil {
			slog.WarnContext(ctx, "failed to write embedding cache", "entries", len(computed), "error", err)
		}
	}

	out := make([][]float32, len(texts))
	for i, k := range keys {
		out[i] = resolved[k]
	}

	slog.DebugContext(ctx, "embedded texts", "requested", len(texts), "unique", len(unique), "computed", len(misses))
	return out, nil
}

// EmbedOne embeds a single text through the same cache path.
func (s *Service) EmbedOne(ctx context.Context, t string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{t})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
