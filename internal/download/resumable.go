package download

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/exo-explore/exo/internal/exoerr"
)

const (
	defaultParallelism = 8
	retryAttempts      = 5
	retryBase          = 200 * time.Millisecond
	retryCap           = 10 * time.Second
)

// Progress is the advisory progress snapshot a Resumable download reports
// to every registered callback; correctness never depends on it.
type Progress struct {
	CompletedFiles int
	TotalFiles     int
	DownloadedBytes int64
	OverallSpeedBps float64
	OverallETA      time.Duration
	Status          string
}

// ProgressFunc receives Progress updates as a download proceeds.
type ProgressFunc func(Progress)

// Request identifies one shard's files to fetch: the model plus which
// rank/world_size partition (only config.json's layer count and the
// registry's file list matter for what is actually downloaded; rank and
// world_size are carried so the Singleton layer above can key on them).
type Request struct {
	ModelID        string
	DeviceRank     int
	WorldSize      int
	AllowPatterns  []string // empty = all files
}

// Resumable fetches a shard's files from a Registry into modelDir,
// streaming each to a ".partial" path with HTTP range resumption,
// verifying size on completion, and renaming atomically. It retries each
// file up to 5 times with exponential backoff before raising
// exoerr.DownloadFailed.
type Resumable struct {
	registry    Registry
	modelDir    string
	parallelism int
}

// NewResumable builds the base decorator layer. modelDir is the root
// directory files are written under (spec.md §6 "<home>/.exo/models/").
func NewResumable(registry Registry, modelDir string) *Resumable {
	return &Resumable{registry: registry, modelDir: modelDir, parallelism: defaultParallelism}
}

// EnsureShard downloads every registry file for req.ModelID matching the
// allow-pattern filter (if any), reporting Progress to onProgress as it
// goes, and returns the local directory the files now live in.
func (r *Resumable) EnsureShard(ctx context.Context, req Request, onProgress ProgressFunc) (string, error) {
	files, err := r.registry.ListFiles(ctx, req.ModelID)
	if err != nil {
		return "", fmt.Errorf("%w: listing files for %s: %v", exoerr.ErrModelMetadataUnavailable, req.ModelID, err)
	}
	files = filterAllowed(files, req.AllowPatterns)

	dir := filepath.Join(r.modelDir, slug(req.ModelID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("download: creating %s: %w", dir, err)
	}

	var (
		completed int32
		downloaded int64
		totalBytes int64
		start     = time.Now()
	)
	for _, f := range files {
		totalBytes += f.Size
	}

	report := func() {
		if onProgress == nil {
			return
		}
		done := atomic.LoadInt32(&completed)
		elapsed := time.Since(start).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(totalBytes) * float64(done) / float64(max(1, len(files))) / elapsed
		}
		onProgress(Progress{
			CompletedFiles:  int(done),
			TotalFiles:      len(files),
			DownloadedBytes: atomic.LoadInt64(&downloaded),
			OverallSpeedBps: speed,
			Status:          "downloading",
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := r.fetchFileWithRetry(gctx, req.ModelID, f, dir); err != nil {
				return err
			}
			atomic.AddInt64(&downloaded, f.Size)
			atomic.AddInt32(&completed, 1)
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(Progress{CompletedFiles: len(files), TotalFiles: len(files), DownloadedBytes: totalBytes, Status: "complete"})
	}
	return dir, nil
}

func (r *Resumable) fetchFileWithRetry(ctx context.Context, modelID string, f RemoteFile, dir string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0 // full jitter is applied to each wait below
	b.MaxInterval = retryCap
	b.MaxElapsedTime = 0

	attempt := 0
	var lastErr error
	for attempt < retryAttempts {
		attempt++
		if err := r.fetchFile(ctx, modelID, f, dir); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(rand.Int63n(int64(b.NextBackOff()) + 1))):
			}
			continue
		}
		return nil
	}
	return &exoerr.DownloadFailed{File: f.Path, Cause: lastErr}
}

func (r *Resumable) fetchFile(ctx context.Context, modelID string, f RemoteFile, dir string) error {
	finalPath := filepath.Join(dir, f.Path)
	partialPath := finalPath + ".partial"
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}

	if fi, err := os.Stat(finalPath); err == nil && fi.Size() == f.Size {
		return nil // already complete
	}

	var offset int64
	if fi, err := os.Stat(partialPath); err == nil {
		offset = fi.Size()
	}

	rc, err := r.registry.Open(ctx, modelID, f, offset)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return err
	}

	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	fi, err := os.Stat(partialPath)
	if err != nil {
		return err
	}
	if fi.Size() != f.Size {
		return fmt.Errorf("download: %s: got %d bytes, want %d", f.Path, fi.Size(), f.Size)
	}
	return os.Rename(partialPath, finalPath)
}

func filterAllowed(files []RemoteFile, patterns []string) []RemoteFile {
	if len(patterns) == 0 {
		return files
	}
	var kept []RemoteFile
	for _, f := range files {
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, filepath.Base(f.Path)); ok {
				kept = append(kept, f)
				break
			}
		}
	}
	return kept
}

func slug(modelID string) string {
	return strings.ReplaceAll(modelID, "/", "--")
}
