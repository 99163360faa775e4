// Package serial ensures at most one active run per serialization key.
//
// Acquiring a key that is already held preempts the holder: its lease context
// is cancelled with ErrSuperseded and the new run proceeds once the holder has
// released. Waiting is cancel-and-replace, not FIFO: if a newer run arrives
// while an older one is still waiting, the older waiter gives up with
// ErrSuperseded. Different keys never contend.
package serial

import (
	"context"
	"errors"
	"strings"
)

// ErrSuperseded is the cancellation cause of a preempted run.
var ErrSuperseded = errors.New("run superseded by a newer run on the same key")

// Lease is the exclusive right to run on one key.
type Lease interface {
	// Context is cancelled when the lease is preempted or released.
	Context() context.Context
	Key() string
	RunID() string
	// Superseded reports whether the lease was lost to a newer run.
	Superseded() bool
	// Release gives up the key. Safe to call more than once.
	Release()
}

// Serializer hands out leases.
type Serializer interface {
	Acquire(ctx context.Context, key, runID string) (Lease, error)
}

// Key derives the serialization key from a branch reference.
func Key(ref string) string {
	name := strings.TrimPrefix(ref, "refs/heads/")
	if name == "" {
		return "release:default"
	}
	return "release:" + name
}

// IsSuperseded reports whether err (or the cause of a cancelled context) is ErrSuperseded.
func IsSuperseded(ctx context.Context, err error) bool {
	if errors.Is(err, ErrSuperseded) {
		return true
	}
	if ctx != nil && errors.Is(context.Cause(ctx), ErrSuperseded) {
		return true
	}
	return false
}
