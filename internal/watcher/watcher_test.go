package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type reported struct {
	mu    sync.Mutex
	paths []string
}

func (r *reported) add(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *reported) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func (r *reported) count(suffix string) int {
	n := 0
	for _, p := range r.snapshot() {
		if strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startWatcher(t *testing.T, root string, exts []string, r *reported) *Watcher {
	t.Helper()
	w := New(root, exts, r.add, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{".txt"}, true},
		{"/a/b.md", []string{"md"}, true},
		{"/a/b.md", []string{".txt"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.txt", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func TestWatcher_reportsSettledFileOnce(t *testing.T) {
	dir := t.TempDir()
	r := &reported{}
	startWatcher(t, dir, []string{".txt"}, r)

	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.WriteString(" more"); err != nil {
			t.Fatal(err)
		}
	}
	_ = f.Close()
	if err := os.WriteFile(filepath.Join(dir, "skip.xyz"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return r.count("notes.txt") > 0 })
	time.Sleep(150 * time.Millisecond)
	if n := r.count("notes.txt"); n != 1 {
		t.Errorf("notes.txt reported %d times, want 1", n)
	}
	if n := r.count("skip.xyz"); n != 0 {
		t.Errorf("skip.xyz should be filtered, reported %d times", n)
	}
}

func TestWatcher_nestedDirectories(t *testing.T) {
	dir := t.TempDir()
	r := &reported{}
	startWatcher(t, dir, []string{".txt", ".md"}, r)

	nested := filepath.Join(dir, "level1", "level2")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "deep.md"), []byte("# deep"), 0600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.count("deep.md") > 0 })
}

func TestWatcher_Sync(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"a.txt":       "a",
		"sub/b.txt":   "b",
		".hidden.txt": "h",
		"c.xyz":       "c",
	} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
	}

	r := &reported{}
	w := New(dir, []string{".txt"}, r.add)
	w.Sync()

	got := r.snapshot()
	sort.Strings(got)
	want := []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "sub", "b.txt")}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Sync reported %v, want %v", got, want)
	}
}

func TestWatcher_Start_createsMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "inbox", "acme")
	w := startWatcher(t, root, nil, &reported{})
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root should exist after Start: %v", err)
	}
	if w.Root() != root {
		t.Errorf("Root() = %q, want %q", w.Root(), root)
	}
}

func TestWatcher_StopDropsPendingFiles(t *testing.T) {
	dir := t.TempDir()
	r := &reported{}
	w := New(dir, nil, r.add, WithDebounce(200*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	w.Stop()

	time.Sleep(300 * time.Millisecond)
	if got := r.snapshot(); len(got) != 0 {
		t.Errorf("expected no reports after Stop, got %v", got)
	}
}
