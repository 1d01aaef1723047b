package download

import (
	"context"
	"sync"
)

// Cached wraps a Resumable with an in-memory (model_id, rank, world_size)
// -> path map; a hit returns the path without touching the inner layer
// (spec.md §4.5).
type Cached struct {
	inner *Resumable

	mu   sync.RWMutex
	hits map[cacheKey]string
}

type cacheKey struct {
	ModelID    string
	DeviceRank int
	WorldSize  int
}

// NewCached wraps inner with an in-memory completed-shard cache.
func NewCached(inner *Resumable) *Cached {
	return &Cached{inner: inner, hits: make(map[cacheKey]string)}
}

// EnsureShard returns the cached path if req was already fetched; otherwise
// delegates to the inner Resumable and caches the result.
func (c *Cached) EnsureShard(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	key := cacheKey{req.ModelID, req.DeviceRank, req.WorldSize}

	c.mu.RLock()
	if path, ok := c.hits[key]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	path, err := c.inner.EnsureShard(ctx, req, onProgress)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.hits[key] = path
	c.mu.Unlock()
	return path, nil
}
