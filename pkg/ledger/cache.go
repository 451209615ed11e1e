package ledger

import "context"

// SnapshotCache holds denormalized full-customer snapshots used to serve
// low-latency reads and absorb write bursts before they are flushed to the
// store. The cache is best-effort and never the source of truth.
//
// Implementations must treat snapshots as whole units: a customer is either
// fully cached or not cached at all. Cache writes never advance
// CacheVersion; only a successful durable write does, which is what makes
// version comparison a valid conflict signal.
type SnapshotCache interface {
	// Get returns the snapshot and true on a hit. A miss is (nil, false,
	// nil); errors are reserved for transport failures.
	Get(ctx context.Context, customerID string) (*FullCustomer, bool, error)

	// Set stores the snapshot, replacing any previous one.
	Set(ctx context.Context, customerID string, fc *FullCustomer) error

	// Invalidate removes the snapshot so the next read rehydrates from
	// the store.
	Invalidate(ctx context.Context, customerID string) error
}
