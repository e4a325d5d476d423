package cohort

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// LoaderFunc reads one embedding file
type LoaderFunc func(path string) ([]float32, error)

// CacheStats reports cache effectiveness
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// EmbeddingCache memoizes embeddings by file path. An entry is loaded at most
// once and never replaced; the returned slices must be treated as read-only.
// Concurrent requests for the same missing path share one load.
type EmbeddingCache struct {
	load    LoaderFunc
	mu      sync.RWMutex
	entries map[string][]float32
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewEmbeddingCache creates an empty cache. A nil loader uses LoadEmbedding.
func NewEmbeddingCache(load LoaderFunc) *EmbeddingCache {
	if load == nil {
		load = LoadEmbedding
	}
	return &EmbeddingCache{
		load:    load,
		entries: make(map[string][]float32),
	}
}

// Get returns the embedding stored at path, loading it on first use
func (c *EmbeddingCache) Get(path string) ([]float32, error) {
	c.mu.RLock()
	vec, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return vec, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		c.mu.RLock()
		vec, ok := c.entries[path]
		c.mu.RUnlock()
		if ok {
			return vec, nil
		}

		vec, err := c.load(path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[path] = vec
		c.mu.Unlock()
		c.misses.Add(1)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Len returns the number of cached embeddings
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *EmbeddingCache) Stats() CacheStats {
	return CacheStats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
