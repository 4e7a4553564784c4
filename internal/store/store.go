// Package store defines the durable key-value storage used by the peer
// engines. The relay never touches it: all relay state is volatile.
package store

import "context"

// Store is the local persistence contract: plain get/set/append over opaque
// values, independently keyed (no multi-key transactions required).
type Store interface {
	// Get returns the value for key, or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites the value for key (last writer wins).
	Set(ctx context.Context, key string, value []byte) error
	// Append appends value to the existing entry, creating it if absent.
	Append(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases underlying resources.
	Close() error
}
