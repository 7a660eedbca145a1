package store

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/persimmon-app/persimmon/internal/metrics"
)

// Memory is an in-memory store for tests and database-less runs.
type Memory struct {
	mu      sync.RWMutex
	results map[string]Result
	cache   map[string]CacheEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		results: make(map[string]Result),
		cache:   make(map[string]CacheEntry),
	}
}

// PutResult upserts a result record and clears any tombstone.
func (m *Memory) PutResult(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.TombstonedAt = nil
	m.results[r.Path] = r
	metrics.RecordStoreWrite("put_result")
	return nil
}

// GetResult returns the record for path.
func (m *Memory) GetResult(_ context.Context, path string) (Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[path]
	return r, ok, nil
}

// PutCacheEntry upserts a cache entry and clears any tombstone.
func (m *Memory) PutCacheEntry(_ context.Context, e CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.TombstonedAt = nil
	m.cache[e.Path] = e
	metrics.RecordStoreWrite("put_cache_entry")
	return nil
}

// GetCacheEntry returns the cache entry for path.
func (m *Memory) GetCacheEntry(_ context.Context, path string) (CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[path]
	return e, ok, nil
}

// Tombstone marks the records for path. The first stamp wins.
func (m *Memory) Tombstone(_ context.Context, path string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[path]; ok && r.TombstonedAt == nil {
		r.TombstonedAt = &at
		m.results[path] = r
	}
	if e, ok := m.cache[path]; ok && e.TombstonedAt == nil {
		e.TombstonedAt = &at
		m.cache[path] = e
	}
	metrics.RecordStoreWrite("tombstone")
	return nil
}

// HardDelete removes the records for path.
func (m *Memory) HardDelete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, path)
	delete(m.cache, path)
	metrics.RecordStoreWrite("hard_delete")
	return nil
}

// ListUnderRoot returns all result records under root.
func (m *Memory) ListUnderRoot(_ context.Context, root string) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root = filepath.Clean(root)
	var out []Result
	for _, r := range m.results {
		if r.Root == root {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListRoots returns the distinct roots present in the result records.
func (m *Memory) ListRoots(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range m.results {
		if _, ok := seen[r.Root]; !ok {
			seen[r.Root] = struct{}{}
			out = append(out, r.Root)
		}
	}
	return out, nil
}

// ListTombstonedBefore returns results tombstoned before cutoff.
func (m *Memory) ListTombstonedBefore(_ context.Context, cutoff time.Time) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Result
	for _, r := range m.results {
		if r.TombstonedAt != nil && r.TombstonedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
