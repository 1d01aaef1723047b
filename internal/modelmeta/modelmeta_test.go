package modelmeta

import (
	"errors"
	"testing"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/memory"
)

type fakeRegistry struct {
	configJSON    map[exoids.ModelId][]byte
	indexJSON     map[exoids.ModelId][]byte
	totalSize     map[exoids.ModelId]memory.Memory
	configCalls   int
	indexCalls    int
	totalSizeCalls int
}

func (f *fakeRegistry) ConfigJSON(modelID exoids.ModelId) ([]byte, error) {
	f.configCalls++
	raw, ok := f.configJSON[modelID]
	if !ok {
		return nil, errors.New("fake registry: no config.json")
	}
	return raw, nil
}

func (f *fakeRegistry) SafetensorsIndexJSON(modelID exoids.ModelId) ([]byte, error) {
	f.indexCalls++
	raw, ok := f.indexJSON[modelID]
	if !ok {
		return nil, errors.New("fake registry: no safetensors index")
	}
	return raw, nil
}

func (f *fakeRegistry) SafetensorsTotalSize(modelID exoids.ModelId) (memory.Memory, error) {
	f.totalSizeCalls++
	size, ok := f.totalSize[modelID]
	if !ok {
		return 0, errors.New("fake registry: no total size")
	}
	return size, nil
}

func TestResolvePrefersIndexMetadataTotalSize(t *testing.T) {
	reg := &fakeRegistry{
		configJSON: map[exoids.ModelId][]byte{"m": []byte(`{"num_hidden_layers": 32}`)},
		indexJSON:  map[exoids.ModelId][]byte{"m": []byte(`{"metadata":{"total_size":4096}}`)},
	}
	r := NewResolver(reg)

	meta, err := r.Resolve("m")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if meta.NLayers != 32 {
		t.Fatalf("NLayers = %d, want 32", meta.NLayers)
	}
	if meta.StorageSize != memory.FromBytes(4096) {
		t.Fatalf("StorageSize = %v, want 4096", meta.StorageSize)
	}
}

func TestResolveFallsBackToTotalSizeWhenIndexHasNoMetadata(t *testing.T) {
	reg := &fakeRegistry{
		configJSON: map[exoids.ModelId][]byte{"m": []byte(`{"n_layer": 12}`)},
		indexJSON:  map[exoids.ModelId][]byte{"m": []byte(`{"weight_map":{}}`)},
		totalSize:  map[exoids.ModelId]memory.Memory{"m": memory.FromBytes(2048)},
	}
	r := NewResolver(reg)

	meta, err := r.Resolve("m")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if meta.StorageSize != memory.FromBytes(2048) {
		t.Fatalf("StorageSize = %v, want 2048 (fallback)", meta.StorageSize)
	}
}

func TestResolveTriesLayerCountFieldsInPriorityOrder(t *testing.T) {
	reg := &fakeRegistry{
		configJSON: map[exoids.ModelId][]byte{"m": []byte(`{"n_layer": 10, "num_layers": 20}`)},
		totalSize:  map[exoids.ModelId]memory.Memory{"m": memory.FromBytes(1)},
	}
	r := NewResolver(reg)

	meta, err := r.Resolve("m")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if meta.NLayers != 20 {
		t.Fatalf("NLayers = %d, want 20 (num_layers outranks n_layer)", meta.NLayers)
	}
}

func TestResolveMissingLayerCountFieldIsModelMetadataUnavailable(t *testing.T) {
	reg := &fakeRegistry{
		configJSON: map[exoids.ModelId][]byte{"m": []byte(`{"hidden_size": 4096}`)},
	}
	r := NewResolver(reg)

	if _, err := r.Resolve("m"); !errors.Is(err, exoerr.ErrModelMetadataUnavailable) {
		t.Fatalf("Resolve err = %v, want ErrModelMetadataUnavailable", err)
	}
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	reg := &fakeRegistry{
		configJSON: map[exoids.ModelId][]byte{"m": []byte(`{"num_hidden_layers": 8}`)},
		indexJSON:  map[exoids.ModelId][]byte{"m": []byte(`{"metadata":{"total_size":512}}`)},
	}
	r := NewResolver(reg)

	if _, err := r.Resolve("m"); err != nil {
		t.Fatalf("Resolve (1): %v", err)
	}
	if _, err := r.Resolve("m"); err != nil {
		t.Fatalf("Resolve (2): %v", err)
	}
	if reg.configCalls != 1 {
		t.Fatalf("ConfigJSON called %d times, want 1 (second Resolve should hit the cache)", reg.configCalls)
	}
}
