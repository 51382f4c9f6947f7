package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kenkyu/internal/config"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(_ context.Context, path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func watchConfig(dirs []string, exts []string, recursive bool) config.WatchConfig {
	return config.WatchConfig{Directories: dirs, Extensions: exts, Recursive: &recursive, Debounce: 100 * time.Millisecond}
}

func TestWatcher_DebounceAndExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := NewWatcher(watchConfig([]string{dir}, []string{".txt"}, true), rec.handle)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "a.txt")
	for i := 0; i < 5; i++ {
		if err := writeFile(path, strings.Repeat("x", i+1)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := writeFile(filepath.Join(dir, "skip.xyz"), "no"); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) >= 1 }) {
		t.Fatal("expected a.txt to be handled")
	}
	time.Sleep(300 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 || !strings.HasSuffix(got[0], "a.txt") {
		t.Errorf("expected a.txt handled once, got %v", got)
	}
}

func TestWatcher_FilterPredicate(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := NewWatcher(watchConfig([]string{dir}, nil, true), rec.handle,
		WithFilter(func(path string) bool { return !strings.HasPrefix(filepath.Base(path), "~$") }))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := writeFile(filepath.Join(dir, "~$lock.docx"), "lock"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "notes.md"), "notes"); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) >= 1 }) {
		t.Fatal("expected notes.md to be handled")
	}
	time.Sleep(200 * time.Millisecond)
	for _, p := range rec.snapshot() {
		if strings.Contains(p, "~$") {
			t.Errorf("filtered file handled: %s", p)
		}
	}
}

func TestWatcher_RemoveCancelsPending(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	cfg := watchConfig([]string{dir}, []string{".txt"}, true)
	cfg.Debounce = 400 * time.Millisecond
	w := NewWatcher(cfg, rec.handle)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "gone.txt")
	if err := writeFile(path, "temp"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(700 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("removed file should not be handled, got %v", got)
	}
}

func TestWatcher_NewDirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := NewWatcher(watchConfig([]string{dir}, []string{".txt", ".md"}, true), rec.handle)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	nested := filepath.Join(dir, "level1", "level2")
	if err := mkdirAll(nested); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := writeFile(filepath.Join(nested, "deep.txt"), "deep"); err != nil {
		t.Fatal(err)
	}
	found := waitFor(t, 3*time.Second, func() bool {
		for _, p := range rec.snapshot() {
			if strings.HasSuffix(p, "deep.txt") {
				return true
			}
		}
		return false
	})
	if !found {
		t.Errorf("expected deep.txt to be handled, got %v", rec.snapshot())
	}
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "a.txt"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "ignore.xyz"), "x"); err != nil {
		t.Fatal(err)
	}
	if err := mkdirAll(filepath.Join(dir, ".hidden")); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, ".hidden", "b.txt"), "hidden"); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	w := NewWatcher(watchConfig([]string{dir}, []string{"txt"}, true), rec.handle)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SyncExistingFiles()

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) >= 1 })
	time.Sleep(200 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 || !strings.HasSuffix(got[0], "a.txt") {
		t.Errorf("expected only a.txt, got %v", got)
	}
}

func TestWatcher_StartCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")
	w := NewWatcher(watchConfig([]string{root}, nil, false), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
	if dirs := w.Directories(); len(dirs) != 1 || dirs[0] != root {
		t.Errorf("Directories = %v", dirs)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	w := NewWatcher(watchConfig([]string{t.TempDir()}, nil, true), nil)
	w.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
	cancel()
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path string
		exts []string
		want bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{"txt"}, true},
		{"/a/b.md", []string{".txt", ".md"}, true},
		{"/a/b.go", []string{".txt"}, false},
		{"/a/noext", []string{".txt"}, false},
		{"/a/anything.bin", nil, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.exts); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.exts, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir, path string
		want      bool
	}{
		{"/a", "/a/b", true},
		{"/a", "/a/b/c", true},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
		{"/a", "/a/..b", true},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func mkdirAll(path string) error { return os.MkdirAll(path, 0755) }

func writeFile(path, content string) error { return os.WriteFile(path, []byte(content), 0644) }

func TestWatcher_CancelReleasesSettledFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < queueSize+40; i++ {
		if err := writeFile(filepath.Join(dir, fmt.Sprintf("note%03d.txt", i)), "x"); err != nil {
			t.Fatal(err)
		}
	}
	baseline := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The handler holds the worker until cancellation, so the queue fills and the
	// remaining debounce callbacks wait for a slot.
	w := NewWatcher(watchConfig([]string{dir}, nil, false), func(ctx context.Context, _ string) {
		<-ctx.Done()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SyncExistingFiles()

	if !waitFor(t, 3*time.Second, func() bool { return len(w.queue) == queueSize }) {
		t.Fatalf("queue holds %d files, want %d", len(w.queue), queueSize)
	}
	cancel()
	if !waitFor(t, 3*time.Second, func() bool { return runtime.NumGoroutine() <= baseline+2 }) {
		t.Errorf("goroutines still blocked after cancel: %d, baseline %d", runtime.NumGoroutine(), baseline)
	}
}
