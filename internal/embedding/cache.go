package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"studyloop/internal/text"
)

// CacheKey is the content hash used to key embeddings: hex SHA-256 of the
// whitespace-normalized text.
func CacheKey(s string) string {
	sum := sha256.Sum256([]byte(text.Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// RemoteCache is the shared second cache tier (Redis in production).
type RemoteCache interface {
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

// Cache is a two-tier embedding cache: an in-process LRU in front of a
// shared remote store. Remote read failures degrade to misses.
type Cache struct {
	local  *lru.Cache[string, []float32]
	remote RemoteCache
	ttl    time.Duration
}

func NewCache(size int, remote RemoteCache, ttl time.Duration) (*Cache, error) {
	if size <= 0 {
		size = 10000
	}
	local, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cache{local: local, remote: remote, ttl: ttl}, nil
}

// Lookup resolves keys against both tiers. It returns the hits and how many
// were served by each tier.
func (c *Cache) Lookup(ctx context.Context, keys []string) (hits map[string][]float32, localHits, remoteHits int) {
	hits = make(map[string][]float32, len(keys))
	var pending []string
	for _, k := range keys {
		if v, ok := c.local.Get(k); ok {
			hits[k] = v
			localHits++
			continue
		}
		pending = append(pending, k)
	}

	if len(pending) == 0 || c.remote == nil {
		return hits, localHits, 0
	}

	vals, err := c.remote.MGet(ctx, pending)
	if err != nil {
		slog.WarnContext(ctx, "embedding cache read failed, treating as miss", "keys", len(pending), "error", err)
		return hits, localHits, 0
	}
	for i, raw := range vals {
		if raw == nil {
			continue
		}
		vec, err := decodeVector(raw)
		if err != nil {
			slog.WarnContext(ctx, "discarding corrupt embedding cache entry", "key", pending[i], "error", err)
			continue
		}
		c.local.Add(pending[i], vec)
		hits[pending[i]] = vec
		remoteHits++
	}
	return hits, localHits, remoteHits
}

// Store writes entries to both tiers with a single remote write call.
func (c *Cache) Store(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		c.local.Add(k, v)
		encoded[k] = encodeVector(v)
	}
	if c.remote == nil {
		return nil
	}
	return c.remote.SetMany(ctx, encoded, c.ttl)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
