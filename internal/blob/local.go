package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/persimmon-app/persimmon/internal/metrics"
)

// LocalBackend stores payloads as files under a root directory.
type LocalBackend struct {
	rootPath string
}

// NewLocal creates a local backend rooted at rootPath, creating it if needed.
func NewLocal(rootPath string) (*LocalBackend, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("blob root path is required")
	}
	info, err := os.Stat(rootPath)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(rootPath, 0755); mkErr != nil {
			return nil, fmt.Errorf("create blob root %s: %w", rootPath, mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat blob root %s: %w", rootPath, err)
	case !info.IsDir():
		return nil, fmt.Errorf("blob root %s is not a directory", rootPath)
	}
	return &LocalBackend{rootPath: rootPath}, nil
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// Get reads a payload file.
func (b *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := os.ReadFile(b.fullPath(key))
	if err != nil {
		metrics.RecordBlobOperation("get", time.Since(start), false)
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	metrics.RecordBlobOperation("get", time.Since(start), true)
	return data, nil
}

// Put writes a payload atomically via temp file and rename.
func (b *LocalBackend) Put(_ context.Context, key string, data []byte) error {
	start := time.Now()
	path := b.fullPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		metrics.RecordBlobOperation("put", time.Since(start), false)
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".persimmon-*.tmp")
	if err != nil {
		metrics.RecordBlobOperation("put", time.Since(start), false)
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordBlobOperation("put", time.Since(start), false)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordBlobOperation("put", time.Since(start), false)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		metrics.RecordBlobOperation("put", time.Since(start), false)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordBlobOperation("put", time.Since(start), true)
	return nil
}

// Delete removes a payload file.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	start := time.Now()
	err := os.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		metrics.RecordBlobOperation("delete", time.Since(start), false)
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	metrics.RecordBlobOperation("delete", time.Since(start), true)
	return nil
}

// Exists checks for a payload file.
func (b *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return true, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
