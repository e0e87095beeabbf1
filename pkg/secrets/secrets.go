// Package secrets provides durable key/value storage for credentials,
// abstracted over two interchangeable backends:
//
//   - [PassStore] — values encrypted at rest via the pass(1) password
//     manager, when it is installed and initialised.
//   - [FileStore] — plain files under a 0700 directory, used when no
//     stronger backend is available.
//
// [Detect] probes the environment and returns the strongest usable backend.
// The [Credentials] wrapper layers the degradation policy callers rely on:
// a backend I/O error is reported as "absent", never propagated, so a
// corrupted or unreadable store behaves exactly like a store that was never
// written to.
package secrets

import (
	"context"
	"errors"
)

// Store is the contract shared by all secret backends.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key. Returns [ErrNotFound] when the
	// key has never been set or has been deleted.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by [Store.Get] when the key is absent.
var ErrNotFound = errors.New("secrets: not found")

// ErrUnavailable is returned by a backend whose underlying mechanism is not
// present on this system (e.g. the pass binary is not installed).
var ErrUnavailable = errors.New("secrets: backend unavailable")
