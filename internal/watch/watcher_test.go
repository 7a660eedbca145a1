package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	go w.Run()
	return w
}

func waitForEvent(t *testing.T, w *Watcher, match func(RawEvent) bool) RawEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for watcher event")
		}
	}
}

func TestSubscribeMissingRootFailsSynchronously(t *testing.T) {
	w := newTestWatcher(t)
	if err := w.Subscribe(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error subscribing to a missing root")
	}
}

func TestSubscribeFileFails(t *testing.T) {
	w := newTestWatcher(t)
	f := filepath.Join(t.TempDir(), "file.jpg")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe(f); err == nil {
		t.Fatal("expected error subscribing to a regular file")
	}
}

func TestWatcherReportsCreate(t *testing.T) {
	w := newTestWatcher(t)
	root := t.TempDir()
	if err := w.Subscribe(root); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	path := filepath.Join(root, "a.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, w, func(ev RawEvent) bool {
		return ev.Path == path && ev.Kind == Created
	})
	if ev.Root != root {
		t.Errorf("expected root %s, got %s", root, ev.Root)
	}
}

func TestWatcherReportsDelete(t *testing.T) {
	w := newTestWatcher(t)
	root := t.TempDir()
	path := filepath.Join(root, "b.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe(root); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitForEvent(t, w, func(ev RawEvent) bool {
		return ev.Path == path && ev.Kind == Deleted
	})
}

func TestWatcherSeesNewSubdirectories(t *testing.T) {
	w := newTestWatcher(t)
	root := t.TempDir()
	if err := w.Subscribe(root); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub := filepath.Join(root, "album")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "c.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForEvent(t, w, func(ev RawEvent) bool {
		return ev.Path == path && ev.Kind == Created
	})
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	w := newTestWatcher(t)
	root := t.TempDir()
	if err := w.Subscribe(root); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	w.Unsubscribe(root)

	if err := os.WriteFile(filepath.Join(root, "d.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
