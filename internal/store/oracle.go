package store

import (
	"context"
	"os"

	"github.com/persimmon-app/persimmon/internal/metrics"
)

// Validity is the read-time classification of a stored result. It is never
// cached: every read re-derives it from the live filesystem.
type Validity string

const (
	// Verified: the source file exists and its mtime matches the result.
	Verified Validity = "verified"
	// Stale: the source file changed since the result was computed.
	Stale Validity = "stale"
	// Offline: the root is unreachable; the result is served as-is.
	Offline Validity = "offline"
	// Missing: no result, a tombstoned result, or the source file is gone.
	Missing Validity = "missing"
)

// ReachabilityView answers whether a path's root is currently reachable.
// The scan.Roots registry implements it.
type ReachabilityView interface {
	PathReachable(path string) (known, reachable bool)
}

// Oracle classifies stored results against the live tree at read time.
type Oracle struct {
	store Store
	reach ReachabilityView
}

// NewOracle creates an oracle over the given store and reachability view.
func NewOracle(s Store, reach ReachabilityView) *Oracle {
	return &Oracle{store: s, reach: reach}
}

// Read returns the stored result for path and its validity. The result is
// returned even when Stale or Offline so callers can degrade gracefully; a
// Stale read is the caller's cue to request revalidation.
func (o *Oracle) Read(ctx context.Context, path string) (Result, Validity, error) {
	r, found, err := o.store.GetResult(ctx, path)
	if err != nil {
		return Result{}, Missing, err
	}
	v := o.classify(path, r, found)
	metrics.RecordValidityRead(string(v))
	return r, v, nil
}

func (o *Oracle) classify(path string, r Result, found bool) Validity {
	if !found || r.Tombstoned() {
		return Missing
	}
	// Unreachable beats everything: absence of the volume says nothing
	// about the file, so the cached result stays servable.
	if known, reachable := o.reach.PathReachable(path); known && !reachable {
		return Offline
	}
	info, err := os.Stat(path)
	if err != nil {
		return Missing
	}
	if info.ModTime().Equal(r.SourceMTime) {
		return Verified
	}
	return Stale
}
