package scan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/persimmon-app/persimmon/internal/watch"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newSyncedRoot(t *testing.T) (*Synchronizer, string) {
	t.Helper()
	roots := NewRoots()
	root := t.TempDir()
	roots.Add(root)
	return NewSynchronizer(roots), root
}

func TestFullScanDiscoversPhotos(t *testing.T) {
	s, root := newSyncedRoot(t)
	writeFile(t, filepath.Join(root, "a.jpg"), "a")
	writeFile(t, filepath.Join(root, "b.png"), "b")
	writeFile(t, filepath.Join(root, "notes.txt"), "not a photo")

	diff, err := s.FullScan(root, nil)
	if err != nil {
		t.Fatalf("FullScan: %v", err)
	}
	if len(diff.Added) != 2 {
		t.Fatalf("expected 2 added, got %d", len(diff.Added))
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 tracked entries, got %d", s.Len())
	}
}

func TestFullScanIsIncremental(t *testing.T) {
	s, root := newSyncedRoot(t)
	a := filepath.Join(root, "a.jpg")
	writeFile(t, a, "a")

	if _, err := s.FullScan(root, nil); err != nil {
		t.Fatal(err)
	}

	// Unchanged rescan produces an empty diff.
	diff, err := s.FullScan(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty diff on unchanged rescan, got %+v", diff)
	}

	// A content change with a new mtime shows up as Changed.
	future := time.Now().Add(2 * time.Second)
	writeFile(t, a, "aa")
	if err := os.Chtimes(a, future, future); err != nil {
		t.Fatal(err)
	}
	diff, err = s.FullScan(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Changed) != 1 || diff.Changed[0].Path != a {
		t.Fatalf("expected a.jpg changed, got %+v", diff)
	}

	// Deletion shows up as Removed.
	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	diff, err = s.FullScan(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].Path != a {
		t.Fatalf("expected a.jpg removed, got %+v", diff)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty tree, got %d entries", s.Len())
	}
}

func TestFullScanSkipsHiddenDirectories(t *testing.T) {
	s, root := newSyncedRoot(t)
	hidden := filepath.Join(root, ".thumbnails")
	if err := os.Mkdir(hidden, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(hidden, "t.jpg"), "thumb")

	diff, err := s.FullScan(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Added) != 0 {
		t.Fatalf("expected hidden dir skipped, got %+v", diff.Added)
	}
}

func TestFullScanReportsProgress(t *testing.T) {
	s, root := newSyncedRoot(t)
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		writeFile(t, filepath.Join(root, name), name)
	}

	var calls int
	var lastDone, lastTotal int
	_, err := s.FullScan(root, func(done, total int) {
		calls++
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || lastDone != 3 || lastTotal != 3 {
		t.Errorf("expected progress 3/3 over 3 calls, got calls=%d last=%d/%d", calls, lastDone, lastTotal)
	}
}

func TestApplyEventLifecycle(t *testing.T) {
	s, root := newSyncedRoot(t)
	path := filepath.Join(root, "photo.jpg")
	writeFile(t, path, "v1")

	diff := s.Apply(watch.LogicalEvent{Root: root, Path: path, Kind: watch.Created, Time: time.Now()})
	if len(diff.Added) != 1 {
		t.Fatalf("expected added on create, got %+v", diff)
	}

	// Same mtime: no change reported.
	diff = s.Apply(watch.LogicalEvent{Root: root, Path: path, Kind: watch.Modified, Time: time.Now()})
	if !diff.Empty() {
		t.Fatalf("expected empty diff for unchanged mtime, got %+v", diff)
	}

	future := time.Now().Add(2 * time.Second)
	writeFile(t, path, "v2, longer")
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	diff = s.Apply(watch.LogicalEvent{Root: root, Path: path, Kind: watch.Modified, Time: time.Now()})
	if len(diff.Changed) != 1 {
		t.Fatalf("expected changed after mtime bump, got %+v", diff)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	diff = s.Apply(watch.LogicalEvent{Root: root, Path: path, Kind: watch.Deleted, Time: time.Now()})
	if len(diff.Removed) != 1 {
		t.Fatalf("expected removed on delete, got %+v", diff)
	}
}

func TestApplyDirectoryDeleteRemovesSubtree(t *testing.T) {
	s, root := newSyncedRoot(t)
	album := filepath.Join(root, "album")
	if err := os.Mkdir(album, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(album, "x.jpg"), "x")
	writeFile(t, filepath.Join(album, "y.jpg"), "y")
	if _, err := s.FullScan(root, nil); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(album); err != nil {
		t.Fatal(err)
	}
	diff := s.Apply(watch.LogicalEvent{Root: root, Path: album, Kind: watch.Deleted, Time: time.Now()})
	if len(diff.Removed) != 2 {
		t.Fatalf("expected 2 removed for directory delete, got %+v", diff)
	}
}

func TestApplyIgnoresNonPhotos(t *testing.T) {
	s, root := newSyncedRoot(t)
	path := filepath.Join(root, "notes.txt")
	writeFile(t, path, "text")

	diff := s.Apply(watch.LogicalEvent{Root: root, Path: path, Kind: watch.Created, Time: time.Now()})
	if !diff.Empty() {
		t.Fatalf("expected non-photo ignored, got %+v", diff)
	}
}

func TestDropRoot(t *testing.T) {
	s, root := newSyncedRoot(t)
	writeFile(t, filepath.Join(root, "a.jpg"), "a")
	if _, err := s.FullScan(root, nil); err != nil {
		t.Fatal(err)
	}

	dropped := s.DropRoot(root)
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dropped path, got %d", len(dropped))
	}
	if s.Len() != 0 {
		t.Errorf("expected empty tree after DropRoot, got %d", s.Len())
	}
}

func TestRootsProbeTransitions(t *testing.T) {
	roots := NewRoots()
	base := t.TempDir()
	vol := filepath.Join(base, "volume")
	if err := os.Mkdir(vol, 0o755); err != nil {
		t.Fatal(err)
	}
	roots.Add(vol)

	if got, _ := roots.Get(vol); !got.Reachable {
		t.Fatal("expected freshly added root to be reachable")
	}

	// Unmount simulation: the directory disappears.
	if err := os.RemoveAll(vol); err != nil {
		t.Fatal(err)
	}
	trans := roots.Probe()
	if len(trans) != 1 || trans[0].Reachable {
		t.Fatalf("expected one unreachable transition, got %+v", trans)
	}

	// Volume returns.
	if err := os.Mkdir(vol, 0o755); err != nil {
		t.Fatal(err)
	}
	trans = roots.Probe()
	if len(trans) != 1 || !trans[0].Reachable {
		t.Fatalf("expected one restored transition, got %+v", trans)
	}

	// Stable state: no transitions.
	if trans = roots.Probe(); len(trans) != 0 {
		t.Fatalf("expected no transitions, got %+v", trans)
	}
}

func TestRootOfLongestPrefix(t *testing.T) {
	roots := NewRoots()
	base := t.TempDir()
	outer := filepath.Join(base, "photos")
	inner := filepath.Join(outer, "raw")
	for _, d := range []string{outer, inner} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	roots.Add(outer)
	roots.Add(inner)

	got, ok := roots.RootOf(filepath.Join(inner, "shot.cr2"))
	if !ok || got != inner {
		t.Fatalf("expected inner root, got %q ok=%v", got, ok)
	}
}
