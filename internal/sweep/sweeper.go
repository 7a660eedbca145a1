// Package sweep reconciles the store against the live tree: records whose
// file is gone are tombstoned, expired tombstones are reaped along with their
// payloads, and records under unregistered roots are removed outright. Only
// the sweeper hard-deletes.
package sweep

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/persimmon-app/persimmon/internal/blob"
	"github.com/persimmon-app/persimmon/internal/logging"
	"github.com/persimmon-app/persimmon/internal/metrics"
	"github.com/persimmon-app/persimmon/internal/scan"
	"github.com/persimmon-app/persimmon/internal/store"
)

// Sweeper runs the periodic reconciliation pass.
type Sweeper struct {
	store store.Store
	blobs blob.Backend
	roots *scan.Roots
	grace time.Duration
}

// New creates a sweeper. grace is how long a tombstone shields a record
// before it is hard-deleted.
func New(st store.Store, blobs blob.Backend, roots *scan.Roots, grace time.Duration) *Sweeper {
	return &Sweeper{store: st, blobs: blobs, roots: roots, grace: grace}
}

// Run sweeps at the given interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logging.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one reconciliation pass and returns how many records were
// hard-deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	reaped := 0

	// Records under roots nobody registered are garbage with no owner to
	// grace-period for: delete them immediately.
	storeRoots, err := s.store.ListRoots(ctx)
	if err != nil {
		return 0, err
	}
	for _, root := range storeRoots {
		if _, registered := s.roots.Get(root); registered {
			continue
		}
		records, err := s.store.ListUnderRoot(ctx, root)
		if err != nil {
			return reaped, err
		}
		for _, r := range records {
			if err := s.reap(ctx, r); err != nil {
				return reaped, err
			}
			reaped++
		}
		if len(records) > 0 {
			logging.Info("removed records of unregistered root",
				zap.String("root", root), zap.Int("records", len(records)))
		}
	}

	// Tombstone records whose file is gone, per reachable root. An
	// unreachable root is skipped whole: absence of the volume is not
	// deletion of the files.
	for _, root := range s.roots.List() {
		if !root.Enabled || !root.Reachable {
			continue
		}
		records, err := s.store.ListUnderRoot(ctx, root.Path)
		if err != nil {
			return reaped, err
		}
		for _, r := range records {
			if r.Tombstoned() {
				continue
			}
			if _, statErr := os.Stat(r.Path); os.IsNotExist(statErr) {
				if err := s.store.Tombstone(ctx, r.Path, now); err != nil {
					return reaped, err
				}
				logging.Debug("tombstoned vanished file", zap.String("path", r.Path))
			}
		}
	}

	// Reap tombstones past the grace period, skipping unreachable roots.
	expired, err := s.store.ListTombstonedBefore(ctx, now.Add(-s.grace))
	if err != nil {
		return reaped, err
	}
	for _, r := range expired {
		if root, registered := s.roots.Get(r.Root); registered && !root.Reachable {
			continue
		}
		if err := s.reap(ctx, r); err != nil {
			return reaped, err
		}
		reaped++
	}

	metrics.RecordSweep(reaped)
	return reaped, nil
}

// reap removes a record and its blob payloads.
func (s *Sweeper) reap(ctx context.Context, r store.Result) error {
	if r.BlobKey != "" {
		if err := s.blobs.Delete(ctx, r.BlobKey); err != nil {
			return err
		}
	}
	if e, found, err := s.store.GetCacheEntry(ctx, r.Path); err == nil && found &&
		e.BlobKey != "" && e.BlobKey != r.BlobKey {
		if err := s.blobs.Delete(ctx, e.BlobKey); err != nil {
			return err
		}
	}
	return s.store.HardDelete(ctx, r.Path)
}
