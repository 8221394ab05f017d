package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"studyloop/internal/vector"
)

const (
	DefaultMaxChars = 15000
	separator       = "\n\n"

	SourceCache = "cache"
	SourceStore = "store"
)

// ErrNoContentFound is terminal: the requested materials have no chunks.
var ErrNoContentFound = errors.New("no content chunks found for the requested materials")

type ChunkSource interface {
	ListChunks(ctx context.Context, materialID string) ([]vector.Chunk, error)
}

type ChunkCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Request struct {
	CacheKey    string
	MaterialIDs []string
	MaxChars    int
}

type Provenance struct {
	CacheHit    bool   `json:"cacheHit"`
	Source      string `json:"source"`
	ChunkCount  int    `json:"chunkCount"`
	TotalChunks int    `json:"totalChunks"`
	Truncated   bool   `json:"truncated"`
}

// Content is generation-ready text assembled from ordered chunks.
type Content struct {
	Text       string
	Provenance Provenance
}

type cachedChunk struct {
	MaterialID string `json:"materialId"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
}

type Retriever struct {
	store ChunkSource
	cache ChunkCache
	ttl   time.Duration
}

func NewRetriever(store ChunkSource, cache ChunkCache, ttl time.Duration) *Retriever {
	return &Retriever{store: store, cache: cache, ttl: ttl}
}

// Retrieve returns the combined text for the request. A cache entry, when
// present, is used verbatim without consulting the store.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Content, error) {
	maxChars := req.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	if chunks, ok := r.fromCache(ctx, req.CacheKey); ok {
		if len(chunks) == 0 {
			return nil, ErrNoContentFound
		}
		return combine(chunks, maxChars, true)
	}

	chunks, err := r.load(ctx, req.MaterialIDs)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoContentFound
	}
	return combine(chunks, maxChars, false)
}

// Prefetch loads the chunks of the given materials into the chunk cache and
// returns the key siblings of a batch can pass to Retrieve.
func (r *Retriever) Prefetch(ctx context.Context, scope string, materialIDs []string) (string, int, error) {
	if r.cache == nil {
		return "", 0, errors.New("chunk cache not configured")
	}
	chunks, err := r.load(ctx, materialIDs)
	if err != nil {
		return "", 0, err
	}
	if len(chunks) == 0 {
		return "", 0, ErrNoContentFound
	}

	payload, err := json.Marshal(chunks)
	if err != nil {
		return "", 0, err
	}
	key := CacheKey(scope, materialIDs)
	if err := r.cache.Set(ctx, key, payload, r.ttl); err != nil {
		return "", 0, fmt.Errorf("store prefetched chunks: %w", err)
	}
	return key, len(chunks), nil
}

// CacheKey derives the chunk cache key for a scope (typically a run id) and
// an ordered material list.
func CacheKey(scope string, materialIDs []string) string {
	sum := sha256.Sum256([]byte(scope + "|" + strings.Join(materialIDs, ",")))
	return "chunks:" + hex.EncodeToString(sum[:])
}

func (r *Retriever) fromCache(ctx context.Context, key string) ([]cachedChunk, bool) {
	if key == "" || r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "chunk cache read failed, falling back to store", "cache_key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var chunks []cachedChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		slog.WarnContext(ctx, "corrupt chunk cache entry, falling back to store", "cache_key", key, "error", err)
		return nil, false
	}
	return chunks, true
}

// load reads chunks per material, keeping material order and chunk order.
func (r *Retriever) load(ctx context.Context, materialIDs []string) ([]cachedChunk, error) {
	var out []cachedChunk
	for _, id := range materialIDs {
		chunks, err := r.store.ListChunks(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list chunks for material %s: %w", id, err)
		}
		for _, c := range chunks {
			out = append(out, cachedChunk{MaterialID: id, Index: c.Index, Content: c.Content})
		}
	}
	return out, nil
}

// combine joins chunks until the next one would exceed maxChars. Chunks are
// never split.
func combine(chunks []cachedChunk, maxChars int, cacheHit bool) (*Content, error) {
	var sb strings.Builder
	total, included := 0, 0
	for _, c := range chunks {
		add := utf8.RuneCountInString(c.Content)
		if included > 0 {
			add += len(separator)
		}
		if total+add > maxChars {
			break
		}
		if included > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(c.Content)
		total += add
		included++
	}

	if included == 0 {
		return nil, fmt.Errorf("%w: first chunk exceeds the %d character budget", ErrNoContentFound, maxChars)
	}

	source := SourceStore
	if cacheHit {
		source = SourceCache
	}
	return &Content{
		Text: sb.String(),
		Provenance: Provenance{
			CacheHit:    cacheHit,
			Source:      source,
			ChunkCount:  included,
			TotalChunks: len(chunks),
			Truncated:   included < len(chunks),
		},
	}, nil
}
