// Package modelmeta resolves a model's layer count and storage footprint
// from the remote model-weights registry (out of scope per spec.md §1; we
// only consume it through the Registry interface). Results are cached
// process-globally and never evicted, as directed by spec.md §9.
package modelmeta

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/shard"
)

// layerCountFields lists config.json keys that may hold the layer count,
// in priority order: first present wins (spec.md §6).
var layerCountFields = []string{
	"num_hidden_layers",
	"num_layers",
	"n_layer",
	"n_layers",
	"num_decoder_layers",
	"decoder_layers",
}

// Registry is the out-of-scope remote model-weights registry, consumed
// only through this interface (spec.md §1, §6).
type Registry interface {
	// ConfigJSON returns the raw bytes of config.json for modelID.
	ConfigJSON(modelID exoids.ModelId) ([]byte, error)
	// SafetensorsIndexJSON returns the raw bytes of
	// model.safetensors.index.json for modelID.
	SafetensorsIndexJSON(modelID exoids.ModelId) ([]byte, error)
	// SafetensorsTotalSize is the registry's own reported total size,
	// used as a fallback when the index has no metadata.total_size.
	SafetensorsTotalSize(modelID exoids.ModelId) (memory.Memory, error)
}

type safetensorsIndex struct {
	Metadata *struct {
		TotalSize uint64 `json:"total_size"`
	} `json:"metadata"`
}

// Resolver resolves and caches shard.ModelMeta for a ModelId.
type Resolver struct {
	registry Registry

	mu    sync.Mutex
	cache map[exoids.ModelId]shard.ModelMeta
}

// NewResolver builds a Resolver backed by registry.
func NewResolver(registry Registry) *Resolver {
	return &Resolver{
		registry: registry,
		cache:    make(map[exoids.ModelId]shard.ModelMeta),
	}
}

// Resolve returns the cached metadata for modelID, fetching and caching it
// on first use.
func (r *Resolver) Resolve(modelID exoids.ModelId) (shard.ModelMeta, error) {
	r.mu.Lock()
	if meta, ok := r.cache[modelID]; ok {
		r.mu.Unlock()
		return meta, nil
	}
	r.mu.Unlock()

	meta, err := r.resolveUncached(modelID)
	if err != nil {
		return shard.ModelMeta{}, err
	}

	r.mu.Lock()
	r.cache[modelID] = meta
	r.mu.Unlock()
	return meta, nil
}

func (r *Resolver) resolveUncached(modelID exoids.ModelId) (shard.ModelMeta, error) {
	nLayers, err := r.layerCount(modelID)
	if err != nil {
		return shard.ModelMeta{}, err
	}
	size, err := r.storageSize(modelID)
	if err != nil {
		return shard.ModelMeta{}, err
	}
	return shard.ModelMeta{
		ModelID:     modelID,
		PrettyName:  string(modelID),
		StorageSize: size,
		NLayers:     nLayers,
	}, nil
}

func (r *Resolver) layerCount(modelID exoids.ModelId) (int, error) {
	raw, err := r.registry.ConfigJSON(modelID)
	if err != nil {
		return 0, fmt.Errorf("%w: config.json for %s: %v", exoerr.ErrModelMetadataUnavailable, modelID, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, fmt.Errorf("%w: parsing config.json for %s: %v", exoerr.ErrModelMetadataUnavailable, modelID, err)
	}
	for _, key := range layerCountFields {
		if rawN, ok := fields[key]; ok {
			var v int64
			if err := json.Unmarshal(rawN, &v); err != nil {
				continue
			}
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("%w: no layer count field in config.json for %s", exoerr.ErrModelMetadataUnavailable, modelID)
}

func (r *Resolver) storageSize(modelID exoids.ModelId) (memory.Memory, error) {
	raw, err := r.registry.SafetensorsIndexJSON(modelID)
	if err == nil {
		var idx safetensorsIndex
		if err := json.Unmarshal(raw, &idx); err == nil && idx.Metadata != nil {
			return memory.FromBytes(idx.Metadata.TotalSize), nil
		}
	}
	size, err := r.registry.SafetensorsTotalSize(modelID)
	if err != nil {
		return 0, fmt.Errorf("%w: no storage size for %s: %v", exoerr.ErrModelMetadataUnavailable, modelID, err)
	}
	return size, nil
}
