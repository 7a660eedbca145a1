package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/persimmon-app/persimmon/internal/metrics"
	"github.com/persimmon-app/persimmon/internal/watch"
)

// Entry is the synchronizer's belief about one discovered file.
type Entry struct {
	Path  string
	Root  string
	MTime time.Time
	Size  int64
}

// Diff is the outcome of comparing observed filesystem state against the
// tracked entry set.
type Diff struct {
	Added   []Entry
	Changed []Entry
	Removed []Entry
}

// Empty reports whether the diff carries no work.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// ProgressFunc is called during a full scan; done and total are file counts.
type ProgressFunc func(done, total int)

// Synchronizer maintains the in-memory tree state for all registered roots.
// It is not safe for concurrent use: only the pipeline event loop touches it.
type Synchronizer struct {
	roots   *Roots
	entries map[string]Entry // path -> entry
}

// NewSynchronizer creates a synchronizer over the given registry.
func NewSynchronizer(roots *Roots) *Synchronizer {
	return &Synchronizer{
		roots:   roots,
		entries: make(map[string]Entry),
	}
}

// Len returns the number of tracked files.
func (s *Synchronizer) Len() int { return len(s.entries) }

// Entry returns the tracked entry for path.
func (s *Synchronizer) Entry(path string) (Entry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// FullScan walks root and diffs the discovered files against the tracked
// entry set, updating it in place. It is the source of truth at startup and
// after any period the watcher could not guarantee delivery.
func (s *Synchronizer) FullScan(root string, progress ProgressFunc) (Diff, error) {
	root = filepath.Clean(root)
	start := time.Now()

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, the next scan retries
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if IsPhotoFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return Diff{}, fmt.Errorf("walk %s: %w", root, err)
	}

	var diff Diff
	seen := make(map[string]struct{}, len(paths))
	total := len(paths)
	for i, path := range paths {
		seen[path] = struct{}{}
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue // raced with a deletion; the next event covers it
		}
		entry := Entry{Path: path, Root: root, MTime: info.ModTime(), Size: info.Size()}
		prev, ok := s.entries[path]
		switch {
		case !ok:
			s.entries[path] = entry
			diff.Added = append(diff.Added, entry)
		case !prev.MTime.Equal(entry.MTime) || prev.Size != entry.Size:
			s.entries[path] = entry
			diff.Changed = append(diff.Changed, entry)
		}
		if progress != nil {
			progress(i+1, total)
		}
	}

	// Anything tracked under this root but absent from the walk is gone.
	for path, entry := range s.entries {
		if entry.Root != root {
			continue
		}
		if _, ok := seen[path]; !ok {
			delete(s.entries, path)
			diff.Removed = append(diff.Removed, entry)
		}
	}

	s.roots.MarkScanned(root, time.Now())
	metrics.RecordFullScan(time.Since(start))
	metrics.SetTreeSize(len(s.entries))
	return diff, nil
}

// Apply updates the entry set from one debounced logical event and returns
// the resulting diff. Deletions of directories remove every tracked entry
// under the path.
func (s *Synchronizer) Apply(ev watch.LogicalEvent) Diff {
	var diff Diff

	if ev.Kind == watch.Deleted {
		if entry, ok := s.entries[ev.Path]; ok {
			delete(s.entries, ev.Path)
			diff.Removed = append(diff.Removed, entry)
		} else {
			// Possibly a directory: drop everything beneath it.
			prefix := ev.Path + string(filepath.Separator)
			for path, entry := range s.entries {
				if strings.HasPrefix(path, prefix) {
					delete(s.entries, path)
					diff.Removed = append(diff.Removed, entry)
				}
			}
		}
		metrics.SetTreeSize(len(s.entries))
		return diff
	}

	if !IsPhotoFile(ev.Path) {
		return diff
	}
	info, err := os.Stat(ev.Path)
	if err != nil {
		// The file vanished between the event and now; treat as removed.
		if entry, ok := s.entries[ev.Path]; ok {
			delete(s.entries, ev.Path)
			diff.Removed = append(diff.Removed, entry)
			metrics.SetTreeSize(len(s.entries))
		}
		return diff
	}
	if info.IsDir() {
		return diff
	}

	entry := Entry{Path: ev.Path, Root: ev.Root, MTime: info.ModTime(), Size: info.Size()}
	prev, ok := s.entries[ev.Path]
	switch {
	case !ok:
		s.entries[ev.Path] = entry
		diff.Added = append(diff.Added, entry)
	case !prev.MTime.Equal(entry.MTime) || prev.Size != entry.Size:
		s.entries[ev.Path] = entry
		diff.Changed = append(diff.Changed, entry)
	}
	metrics.SetTreeSize(len(s.entries))
	return diff
}

// DropRoot forgets all entries under root without reporting them as removed.
// Used when a root is unregistered or becomes unreachable: absence of the
// volume is not deletion of the files.
func (s *Synchronizer) DropRoot(root string) []string {
	root = filepath.Clean(root)
	var dropped []string
	for path, entry := range s.entries {
		if entry.Root == root {
			delete(s.entries, path)
			dropped = append(dropped, path)
		}
	}
	metrics.SetTreeSize(len(s.entries))
	return dropped
}
