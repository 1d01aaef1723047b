package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeRegistry serves file contents from an in-memory map and counts how
// many times Open was called per file, so tests can assert Cached/Singleton
// actually suppress redundant fetches.
type fakeRegistry struct {
	files   []RemoteFile
	content map[string][]byte

	mu        sync.Mutex
	opens     map[string]int
	failFirst map[string]bool // if set, the first Open for that path fails
}

func newFakeRegistry(content map[string][]byte) *fakeRegistry {
	files := make([]RemoteFile, 0, len(content))
	for path, data := range content {
		files = append(files, RemoteFile{Path: path, Size: int64(len(data))})
	}
	return &fakeRegistry{files: files, content: content, opens: make(map[string]int)}
}

func (f *fakeRegistry) ListFiles(ctx context.Context, modelID string) ([]RemoteFile, error) {
	return f.files, nil
}

func (f *fakeRegistry) Open(ctx context.Context, modelID string, file RemoteFile, offset int64) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opens[file.Path]++
	fail := f.failFirst[file.Path] && f.opens[file.Path] == 1
	f.mu.Unlock()
	if fail {
		return nil, errors.New("fake registry: injected failure")
	}
	data := f.content[file.Path]
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (f *fakeRegistry) openCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[path]
}

func TestResumableEnsureShardFetchesAllFiles(t *testing.T) {
	reg := newFakeRegistry(map[string][]byte{
		"config.json":        []byte(`{"n":1}`),
		"model.safetensors":  bytes.Repeat([]byte{0xAB}, 1024),
	})
	r := NewResumable(reg, t.TempDir())

	var progressed int32
	dir, err := r.EnsureShard(context.Background(), Request{ModelID: "m/x"}, func(p Progress) {
		atomic.AddInt32(&progressed, 1)
	})
	if err != nil {
		t.Fatalf("EnsureShard: %v", err)
	}
	if dir == "" {
		t.Fatalf("expected a non-empty directory")
	}
	if atomic.LoadInt32(&progressed) == 0 {
		t.Fatalf("expected at least one progress callback")
	}
	for path, want := range reg.content {
		got, err := io.ReadAll(mustOpen(t, dir, path))
		if err != nil {
			t.Fatalf("reading %s: %v", path, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: got %d bytes, want %d", path, len(got), len(want))
		}
	}
}

func TestResumableFiltersByAllowPatterns(t *testing.T) {
	reg := newFakeRegistry(map[string][]byte{
		"config.json":       []byte(`{}`),
		"model.safetensors": []byte("weights"),
	})
	r := NewResumable(reg, t.TempDir())

	dir, err := r.EnsureShard(context.Background(), Request{ModelID: "m", AllowPatterns: []string{"*.json"}}, nil)
	if err != nil {
		t.Fatalf("EnsureShard: %v", err)
	}
	if _, err := io.ReadAll(mustOpen(t, dir, "config.json")); err != nil {
		t.Fatalf("config.json should have been fetched: %v", err)
	}
	if fileExists(dir, "model.safetensors") {
		t.Fatalf("model.safetensors should have been filtered out")
	}
}

func TestResumableRetriesThenSucceeds(t *testing.T) {
	reg := newFakeRegistry(map[string][]byte{"config.json": []byte(`{}`)})
	reg.failFirst = map[string]bool{"config.json": true}
	r := NewResumable(reg, t.TempDir())

	if _, err := r.EnsureShard(context.Background(), Request{ModelID: "m"}, nil); err != nil {
		t.Fatalf("EnsureShard should have recovered after one retry: %v", err)
	}
	if reg.openCount("config.json") < 2 {
		t.Fatalf("expected at least 2 Open calls (one failure + one retry), got %d", reg.openCount("config.json"))
	}
}

func TestCachedSkipsInnerOnSecondRequest(t *testing.T) {
	reg := newFakeRegistry(map[string][]byte{"config.json": []byte(`{}`)})
	c := NewCached(NewResumable(reg, t.TempDir()))
	req := Request{ModelID: "m", DeviceRank: 0, WorldSize: 1}

	first, err := c.EnsureShard(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("EnsureShard (1): %v", err)
	}
	second, err := c.EnsureShard(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("EnsureShard (2): %v", err)
	}
	if first != second {
		t.Fatalf("cached path changed between calls: %s vs %s", first, second)
	}
	if reg.openCount("config.json") != 1 {
		t.Fatalf("expected the inner layer to be hit only once, registry.Open called %d times", reg.openCount("config.json"))
	}
}

func TestSingletonCoalescesConcurrentRequests(t *testing.T) {
	reg := newFakeRegistry(map[string][]byte{"config.json": bytes.Repeat([]byte{1}, 4096)})
	s := NewSingleton(NewCached(NewResumable(reg, t.TempDir())))
	req := Request{ModelID: "m", DeviceRank: 0, WorldSize: 1}

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.EnsureShard(context.Background(), req, nil)
			if err != nil {
				t.Errorf("EnsureShard: %v", err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for i, p := range paths {
		if p != paths[0] {
			t.Fatalf("caller %d got a different path: %s vs %s", i, p, paths[0])
		}
	}
	if reg.openCount("config.json") != 1 {
		t.Fatalf("expected exactly one physical fetch across concurrent callers, got %d", reg.openCount("config.json"))
	}
}

func mustOpen(t *testing.T, dir, name string) io.Reader {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading %s/%s: %v", dir, name, err)
	}
	return bytes.NewReader(data)
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
