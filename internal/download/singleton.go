package download

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Singleton is the outermost decorator: for a shard currently being
// fetched, it piggybacks concurrent callers on the in-flight request,
// guaranteeing exactly one physical fetch per shard across concurrent
// requesters (spec.md §4.5), via golang.org/x/sync/singleflight keyed by
// (model_id, device_rank, world_size).
type Singleton struct {
	inner *Cached
	group singleflight.Group
}

// NewSingleton wraps inner with request coalescing. This is the type
// callers should hold: Singleton(Cached(Resumable)).
func NewSingleton(inner *Cached) *Singleton {
	return &Singleton{inner: inner}
}

// EnsureShard ensures req's files are present locally, coalescing
// concurrent identical requests into a single fetch.
func (s *Singleton) EnsureShard(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	key := fmt.Sprintf("%s|%d|%d", req.ModelID, req.DeviceRank, req.WorldSize)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.inner.EnsureShard(ctx, req, onProgress)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
