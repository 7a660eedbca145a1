// Package watch turns noisy OS filesystem notifications into debounced
// logical events, one per path, for the directory synchronizer.
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/persimmon-app/persimmon/internal/logging"
	"github.com/persimmon-app/persimmon/internal/metrics"
)

// Kind classifies a filesystem event.
type Kind int

const (
	Created Kind = iota
	Modified
	Deleted
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// RawEvent is a single undebounced event as reported by the OS. Raw events
// may be duplicated and are unordered across distinct paths.
type RawEvent struct {
	Root string
	Path string
	Kind Kind
	Time time.Time
}

const eventBufferSize = 256

// Watcher wraps fsnotify with per-root recursive subscriptions. It never
// blocks the fsnotify goroutine: when the event buffer is full, events are
// dropped and an overflow is signalled so the caller can schedule a full
// rescan.
type Watcher struct {
	fw *fsnotify.Watcher

	mu    sync.Mutex
	roots map[string]struct{}
	dirs  map[string]string // watched dir -> owning root

	events   chan RawEvent
	overflow chan struct{}
	done     chan struct{}
	closed   sync.Once
}

// NewWatcher creates a Watcher. Call Run in a goroutine, then Subscribe roots.
func NewWatcher() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{
		fw:       fw,
		roots:    make(map[string]struct{}),
		dirs:     make(map[string]string),
		events:   make(chan RawEvent, eventBufferSize),
		overflow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the raw event stream.
func (w *Watcher) Events() <-chan RawEvent { return w.events }

// Overflow signals that raw events were lost (buffer full or OS queue
// overflow) and the tree state must be re-established by a full scan.
func (w *Watcher) Overflow() <-chan struct{} { return w.overflow }

// Subscribe establishes recursive watches for root and all its
// subdirectories. It fails synchronously when the root does not exist, is not
// a directory, or the OS watch cannot be established; the caller is then
// responsible for falling back to periodic full scans.
func (w *Watcher) Subscribe(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", root)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[root]; ok {
		return nil
	}
	if err := w.addDirRecursive(root, root); err != nil {
		w.removeDirsLocked(root)
		return err
	}
	w.roots[root] = struct{}{}
	return nil
}

// Unsubscribe tears down all watches under root.
func (w *Watcher) Unsubscribe(root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.roots, root)
	w.removeDirsLocked(root)
}

// addDirRecursive adds dir and all non-hidden subdirectories to the watch
// set. Caller holds w.mu.
func (w *Watcher) addDirRecursive(root, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("readdir %s: %w", dir, err)
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = root
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(root, filepath.Join(dir, e.Name())); err != nil {
				// Non-fatal below the root itself: log and continue.
				logging.Warn("skip subdirectory", zap.Error(err))
			}
		}
	}
	return nil
}

// removeDirsLocked drops every watched dir owned by root. Caller holds w.mu.
func (w *Watcher) removeDirsLocked(root string) {
	for dir, owner := range w.dirs {
		if owner == root {
			_ = w.fw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
}

// rootOf maps a path to its owning root by longest-prefix match.
func (w *Watcher) rootOf(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := ""
	for root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best, best != ""
}

// Run drives the fsnotify event loop until Close is called. Call in a
// goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.signalOverflow()
				continue
			}
			logging.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := event.Name
	root, ok := w.rootOf(path)
	if !ok {
		return
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	// Track new directories so files created inside them are seen.
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			w.mu.Lock()
			_ = w.addDirRecursive(root, path)
			w.mu.Unlock()
		}
	}

	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		kind = Created
	case event.Has(fsnotify.Write):
		kind = Modified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		kind = Deleted
		w.mu.Lock()
		if _, watched := w.dirs[path]; watched {
			_ = w.fw.Remove(path)
			delete(w.dirs, path)
		}
		w.mu.Unlock()
	default:
		return // chmod and friends carry no content change
	}

	metrics.RecordRawEvent(kind.String())
	select {
	case w.events <- RawEvent{Root: root, Path: path, Kind: kind, Time: time.Now()}:
	default:
		metrics.RecordEventDropped()
		w.signalOverflow()
	}
}

func (w *Watcher) signalOverflow() {
	select {
	case w.overflow <- struct{}{}:
	default:
	}
}

// Close stops the event loop and releases the OS watcher.
func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}
