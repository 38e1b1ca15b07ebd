package cache

import (
	"context"
	"time"
)

// DiskTier is the durable cache level. Implementations keep one record per
// key and must support point lookup, point delete, and removal in expiry
// order so the sweep can trim the oldest entries first.
//
// Implementations return ErrCacheMiss for absent keys and wrap backend
// failures in *IOError. They must be safe for concurrent use.
type DiskTier interface {
	// Get returns the stored entry for key.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put inserts or replaces the entry.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Purge removes every entry.
	Purge(ctx context.Context) error

	// Sweep removes entries expired at now, then removes entries in
	// ascending expiry order until at most maxEntries remain. A
	// non-positive maxEntries disables the budget check. It reports the
	// number of removed entries.
	Sweep(ctx context.Context, now time.Time, maxEntries int64) (int64, error)

	// Len reports the number of stored entries.
	Len(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}
