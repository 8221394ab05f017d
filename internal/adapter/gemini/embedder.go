package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Embedder computes embeddings in batches, walking the configured model
// fallback chain until one model answers.
type Embedder struct {
	clients *clientCache
}

func NewEmbedder(svc SettingsProvider, opts ...option.ClientOption) *Embedder {
	return &Embedder{clients: newClientCache(svc, opts)}
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	client, s, err := e.clients.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(s.EmbeddingModels) == 0 {
		return nil, fmt.Errorf("no embedding models configured")
	}

	var lastErr error
	for i, modelName := range s.EmbeddingModels {
		vectors, err := embedWith(ctx, client, modelName, texts)
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if i < len(s.EmbeddingModels)-1 {
			slog.WarnContext(ctx, "embedding model failed, falling back", "model", modelName, "next", s.EmbeddingModels[i+1], "error", err)
		}
	}
	return nil, fmt.Errorf("all embedding models failed: %w", lastErr)
}

func (e *Embedder) Close() error {
	return e.clients.Close()
}

func embedWith(ctx context.Context, client *genai.Client, modelName string, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", modelName, "size", len(texts))
	em := client.EmbeddingModel(modelName)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model %s returned %d embeddings for %d inputs", modelName, len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, errors.New("empty embedding received")
		}
		out[i] = emb.Values
	}
	return out, nil
}
