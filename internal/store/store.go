// Package store persists analysis results and derived-payload cache entries,
// and classifies cached results at read time.
package store

import (
	"context"
	"time"
)

// Status records how an analysis attempt ended.
type Status string

const (
	// StatusSuccess means a payload was produced and stored.
	StatusSuccess Status = "success"
	// StatusFailedPermanent means retrying the same bytes cannot help.
	StatusFailedPermanent Status = "failed_permanent"
	// StatusFailedTransient means the retry budget ran out; a later
	// revalidation may still succeed.
	StatusFailedTransient Status = "failed_transient"
)

// Result is the stored outcome of analyzing one photo version.
type Result struct {
	Path        string
	Root        string
	Status      Status
	Reason      string // failure detail, empty on success
	BlobKey     string // payload location on success
	SourceMTime time.Time
	ComputedAt  time.Time

	// TombstonedAt marks the record for deletion after the grace period.
	TombstonedAt *time.Time
}

// Tombstoned reports whether the record carries a tombstone.
func (r Result) Tombstoned() bool { return r.TombstonedAt != nil }

// CacheEntry points at a derived payload in the blob backend.
type CacheEntry struct {
	Path        string
	BlobKey     string
	SourceMTime time.Time
	LastAccess  time.Time

	TombstonedAt *time.Time
}

// Store is the persistence interface. Implementations are safe for
// concurrent use.
type Store interface {
	// PutResult upserts the result record for a path, clearing any
	// tombstone: a fresh result is proof of life.
	PutResult(ctx context.Context, r Result) error

	// GetResult returns the record for path; found is false if none exists.
	GetResult(ctx context.Context, path string) (Result, bool, error)

	// PutCacheEntry upserts a derived-payload pointer.
	PutCacheEntry(ctx context.Context, e CacheEntry) error

	// GetCacheEntry returns the cache entry for path.
	GetCacheEntry(ctx context.Context, path string) (CacheEntry, bool, error)

	// Tombstone marks the result and cache entry for path as deleted at the
	// given time. Already-tombstoned records keep their original stamp.
	Tombstone(ctx context.Context, path string, at time.Time) error

	// HardDelete removes the result and cache entry for path outright.
	HardDelete(ctx context.Context, path string) error

	// ListUnderRoot returns all result records whose path is under root.
	ListUnderRoot(ctx context.Context, root string) ([]Result, error)

	// ListRoots returns the distinct roots present in the result records.
	ListRoots(ctx context.Context) ([]string, error)

	// ListTombstonedBefore returns result records tombstoned before cutoff.
	ListTombstonedBefore(ctx context.Context, cutoff time.Time) ([]Result, error)

	// Close releases the underlying resources.
	Close() error
}
