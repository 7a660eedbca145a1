// Package blob stores analysis payloads outside the metadata store, keyed by
// source path and mtime so a changed file never overwrites the payload a
// still-valid result points at.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no payload exists for a key.
var ErrNotFound = errors.New("blob not found")

// Backend is the interface for payload storage backends.
type Backend interface {
	// Get retrieves a payload. Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a payload under key, replacing any existing one.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes a payload. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks whether a payload is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Key derives the storage key for a source file version. Path and mtime
// together address the content: reanalyzing an unchanged file maps to the
// same key, a modified file to a new one.
func Key(path string, mtime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", path, mtime.UnixNano())))
	hexed := hex.EncodeToString(sum[:])
	// Two-level fan-out keeps local directories small.
	return hexed[:2] + "/" + hexed[2:]
}
