// Package engine defines the analysis engine contract and the error taxonomy
// the workers use to decide between retry and give-up.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Engine analyzes one photo at a time. Implementations are NOT safe for
// concurrent use: each worker owns a private instance.
type Engine interface {
	// Analyze computes the analysis payload for the photo at path. It
	// honours ctx cancellation between pipeline stages.
	Analyze(ctx context.Context, path string) ([]byte, error)
	// Close releases native resources. The engine is unusable afterwards.
	Close() error
}

// Factory constructs a fresh engine. Workers call it lazily on their first
// item and again after replacing a wedged engine.
type Factory func() (Engine, error)

// TransientError marks a failure worth retrying: I/O hiccups, resource
// exhaustion, a busy runtime.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: corrupt or unsupported
// input.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as not retryable. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient: a spurious retry is cheaper than a wrongly abandoned
// file.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
