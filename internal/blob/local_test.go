package blob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalPutGetRoundtrip(t *testing.T) {
	b, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	key := Key("/photos/a.jpg", time.Now())

	payload := []byte(`{"palette":["#ff0000"]}`)
	if err := b.Put(ctx, key, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch: %s", got)
	}

	ok, err := b.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestLocalGetMissing(t *testing.T) {
	b, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Get(context.Background(), Key("/photos/nope.jpg", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	b, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := Key("/photos/a.jpg", time.Now())
	if err := b.Put(ctx, key, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting again is not an error.
	if err := b.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if ok, _ := b.Exists(ctx, key); ok {
		t.Error("payload still exists after delete")
	}
}

func TestLocalCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "blobs")
	if _, err := NewLocal(root); err != nil {
		t.Fatalf("expected root to be created, got %v", err)
	}
}

func TestKeyVariesWithPathAndMTime(t *testing.T) {
	now := time.Now()
	k1 := Key("/photos/a.jpg", now)
	k2 := Key("/photos/b.jpg", now)
	k3 := Key("/photos/a.jpg", now.Add(time.Second))

	if k1 == k2 || k1 == k3 {
		t.Error("keys must differ across paths and mtimes")
	}
	if k1 != Key("/photos/a.jpg", now) {
		t.Error("key must be stable for the same path and mtime")
	}
	if len(k1) < 3 || k1[2] != '/' {
		t.Errorf("expected sharded key layout, got %s", k1)
	}
}
