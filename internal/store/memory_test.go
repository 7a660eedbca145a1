package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPutGetResult(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	r := Result{
		Path:        "/photos/a.jpg",
		Root:        "/photos",
		Status:      StatusSuccess,
		BlobKey:     "ab/cdef",
		SourceMTime: now,
		ComputedAt:  now,
	}
	if err := m.PutResult(ctx, r); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	got, found, err := m.GetResult(ctx, r.Path)
	if err != nil || !found {
		t.Fatalf("GetResult: found=%v err=%v", found, err)
	}
	if got.BlobKey != r.BlobKey || got.Status != StatusSuccess {
		t.Errorf("result mismatch: %+v", got)
	}

	if _, found, _ := m.GetResult(ctx, "/photos/missing.jpg"); found {
		t.Error("unexpected record for unknown path")
	}
}

func TestMemoryTombstoneAndReput(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	r := Result{Path: "/photos/a.jpg", Root: "/photos", Status: StatusSuccess, SourceMTime: now, ComputedAt: now}
	if err := m.PutResult(ctx, r); err != nil {
		t.Fatal(err)
	}

	if err := m.Tombstone(ctx, r.Path, now); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	got, _, _ := m.GetResult(ctx, r.Path)
	if !got.Tombstoned() {
		t.Fatal("expected tombstone")
	}

	// A later tombstone must not move the stamp.
	if err := m.Tombstone(ctx, r.Path, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	got, _, _ = m.GetResult(ctx, r.Path)
	if !got.TombstonedAt.Equal(now) {
		t.Error("tombstone stamp moved on re-tombstone")
	}

	// A fresh result clears the tombstone: the file came back.
	if err := m.PutResult(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, _, _ = m.GetResult(ctx, r.Path)
	if got.Tombstoned() {
		t.Error("PutResult should clear the tombstone")
	}
}

func TestMemoryListTombstonedBefore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for _, p := range []string{"/photos/old.jpg", "/photos/new.jpg"} {
		if err := m.PutResult(ctx, Result{Path: p, Root: "/photos", Status: StatusSuccess, SourceMTime: now, ComputedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Tombstone(ctx, "/photos/old.jpg", now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := m.Tombstone(ctx, "/photos/new.jpg", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	expired, err := m.ListTombstonedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].Path != "/photos/old.jpg" {
		t.Fatalf("expected only the old tombstone, got %+v", expired)
	}
}

func TestMemoryListUnderRootAndHardDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	m.PutResult(ctx, Result{Path: "/photos/a.jpg", Root: "/photos", Status: StatusSuccess, SourceMTime: now, ComputedAt: now})
	m.PutResult(ctx, Result{Path: "/other/b.jpg", Root: "/other", Status: StatusSuccess, SourceMTime: now, ComputedAt: now})

	under, err := m.ListUnderRoot(ctx, "/photos")
	if err != nil {
		t.Fatal(err)
	}
	if len(under) != 1 || under[0].Path != "/photos/a.jpg" {
		t.Fatalf("expected only /photos records, got %+v", under)
	}

	if err := m.HardDelete(ctx, "/photos/a.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := m.GetResult(ctx, "/photos/a.jpg"); found {
		t.Error("record survived hard delete")
	}
}

func TestMemoryCacheEntries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	e := CacheEntry{Path: "/photos/a.jpg", BlobKey: "cd/ef01", SourceMTime: now, LastAccess: now}
	if err := m.PutCacheEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, found, err := m.GetCacheEntry(ctx, e.Path)
	if err != nil || !found || got.BlobKey != e.BlobKey {
		t.Fatalf("GetCacheEntry: %+v found=%v err=%v", got, found, err)
	}

	if err := m.Tombstone(ctx, e.Path, now); err != nil {
		t.Fatal(err)
	}
	got, _, _ = m.GetCacheEntry(ctx, e.Path)
	if got.TombstonedAt == nil {
		t.Error("cache entry should be tombstoned alongside the result")
	}
}
