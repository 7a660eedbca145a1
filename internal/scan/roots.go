// Package scan owns the watched-root registry and the directory
// synchronizer: the in-memory belief about every photo file under the
// registered roots, kept current by full scans and debounced events.
package scan

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/persimmon-app/persimmon/internal/metrics"
)

// Root is a registered top-level directory the pipeline is responsible for.
type Root struct {
	Path         string
	Enabled      bool
	Reachable    bool
	WatchLive    bool // OS watch established; false means rescan-only fallback
	LastFullScan time.Time
}

// Transition describes a reachability change detected by a probe.
type Transition struct {
	Root      string
	Reachable bool
}

// Roots is the thread-safe registry of watched roots.
type Roots struct {
	mu    sync.RWMutex
	roots map[string]*Root
}

// NewRoots creates an empty registry.
func NewRoots() *Roots {
	return &Roots{roots: make(map[string]*Root)}
}

// Add registers a root. Reachability is probed immediately.
func (r *Roots) Add(path string) *Root {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.roots[path]; ok {
		return existing
	}
	root := &Root{
		Path:      path,
		Enabled:   true,
		Reachable: statReachable(path),
	}
	r.roots[path] = root
	r.updateGaugeLocked()
	return root
}

// Remove unregisters a root. Returns false if it was not registered.
func (r *Roots) Remove(path string) bool {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roots[path]; !ok {
		return false
	}
	delete(r.roots, path)
	r.updateGaugeLocked()
	return true
}

// Get returns a snapshot of the root record.
func (r *Roots) Get(path string) (Root, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.roots[filepath.Clean(path)]
	if !ok {
		return Root{}, false
	}
	return *root, true
}

// List returns snapshots of all registered roots.
func (r *Roots) List() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Root, 0, len(r.roots))
	for _, root := range r.roots {
		out = append(out, *root)
	}
	return out
}

// SetWatchLive records whether the OS watch is established for root.
func (r *Roots) SetWatchLive(path string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if root, ok := r.roots[filepath.Clean(path)]; ok {
		root.WatchLive = live
	}
}

// MarkScanned records a completed full scan.
func (r *Roots) MarkScanned(path string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if root, ok := r.roots[filepath.Clean(path)]; ok {
		root.LastFullScan = at
	}
}

// RootOf maps a path to its registered root by longest-prefix match.
func (r *Roots) RootOf(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := ""
	for root := range r.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best, best != ""
}

// PathReachable reports whether path belongs to a registered root and, if
// so, whether that root is currently reachable. Implements the validity
// oracle's reachability view.
func (r *Roots) PathReachable(path string) (known, reachable bool) {
	root, ok := r.RootOf(path)
	if !ok {
		return false, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.roots[root]
	if !ok {
		return false, false
	}
	return true, rec.Reachable
}

// Probe stats every registered root and returns the reachability
// transitions. A root on a removable volume flips to unreachable when the
// volume unmounts and back when it returns.
func (r *Roots) Probe() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var transitions []Transition
	for path, root := range r.roots {
		reachable := statReachable(path)
		if reachable != root.Reachable {
			root.Reachable = reachable
			transitions = append(transitions, Transition{Root: path, Reachable: reachable})
		}
	}
	if transitions != nil {
		r.updateGaugeLocked()
	}
	return transitions
}

func (r *Roots) updateGaugeLocked() {
	n := 0
	for _, root := range r.roots {
		if !root.Reachable {
			n++
		}
	}
	metrics.SetRootsUnreachable(n)
}

func statReachable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
