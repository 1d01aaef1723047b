// Package download implements spec.md §4.5: the three-layer shard
// downloader decorator stack Singleton(Cached(Resumable)).
package download

import (
	"context"
	"io"
)

// RemoteFile is one file the registry reports for a model.
type RemoteFile struct {
	Path string // relative path under the model's directory, e.g. "config.json"
	Size int64
}

// Registry is the out-of-scope seam onto the remote model-weights
// registry (spec.md §6 "Model registry"): it lists a model's files and
// opens a ranged read of one of them. A concrete implementation talks to
// the real registry over HTTP; tests substitute an in-memory fake.
type Registry interface {
	// ListFiles returns every file the registry has for modelID.
	ListFiles(ctx context.Context, modelID string) ([]RemoteFile, error)

	// Open returns a reader for file starting at byte offset.
	Open(ctx context.Context, modelID string, file RemoteFile, offset int64) (io.ReadCloser, error)
}
