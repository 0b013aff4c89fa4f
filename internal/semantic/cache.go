package semantic

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// Cache stores embeddings per entity so repeated runs over the same
// statement do not re-encode unchanged descriptions
type Cache interface {
	Get(key string) ([]float32, bool)
	Put(key string, vec []float32) error
}

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vectors: make(map[string][]float32)}
}

// Get implements Cache
func (c *MemoryCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vectors[key]
	return v, ok
}

// Put implements Cache
func (c *MemoryCache) Put(key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors[key] = vec
	return nil
}

// Len returns the number of cached vectors
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}

// cacheKey scopes an entity id by encoder and by the text that was encoded,
// so an edited description is re-embedded
func cacheKey(encoder, kind, id, text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%s/%s/%s/%016x", encoder, kind, id, h.Sum64())
}

// embedItem is one text to embed under a cache key
type embedItem struct {
	key  string
	text string
}

// embedAll returns a vector per item, encoding only cache misses
func embedAll(ctx context.Context, encoder Encoder, cache Cache, items []embedItem) ([][]float32, int, error) {
	out := make([][]float32, len(items))
	var missIdx []int
	var missText []string

	for i, it := range items {
		if cache != nil {
			if v, ok := cache.Get(it.key); ok {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missText = append(missText, it.text)
	}

	if len(missText) == 0 {
		return out, 0, nil
	}

	vectors, err := encoder.Encode(ctx, missText)
	if err != nil {
		return nil, 0, err
	}
	if len(vectors) != len(missText) {
		return nil, 0, fmt.Errorf("encoder %s returned %d vectors for %d texts", encoder.Name(), len(vectors), len(missText))
	}

	for j, i := range missIdx {
		out[i] = vectors[j]
		if cache != nil {
			if err := cache.Put(items[i].key, vectors[j]); err != nil {
				return nil, 0, fmt.Errorf("cache embedding %s: %w", items[i].key, err)
			}
		}
	}
	return out, len(missText), nil
}
