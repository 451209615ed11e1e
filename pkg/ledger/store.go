package ledger

import "context"

// SyncCusEntEntry is the per-cus-ent extract the reconciler sends to the
// store: the cache's current view plus the concurrency guards the store
// compares against its own row.
type SyncCusEntEntry struct {
	CusEntID   string
	Balance    int64
	Adjustment int64
	Entities   map[string]*EntityBalance

	// NextResetAt must match the store's or the merge is rejected with
	// RESET_AT_MISMATCH (a reset already committed server-side).
	NextResetAt *int64

	// EntityCount must match the store's current entity count or the
	// merge is rejected with ENTITY_COUNT_MISMATCH.
	EntityCount int

	// CacheVersion must not be behind the store's current version or the
	// merge is rejected with CACHE_VERSION_MISMATCH.
	CacheVersion int64
}

// SyncRolloverEntry is the per-rollover extract sent alongside cus-ents.
type SyncRolloverEntry struct {
	RolloverID string
	Balance    int64
	Usage      int64
	Entities   map[string]*RolloverEntityBalance
}

// SyncRequest is one atomic cache-to-store merge for a single customer.
type SyncRequest struct {
	CustomerID string
	CusEnts    []*SyncCusEntEntry
	Rollovers  []*SyncRolloverEntry
}

// SyncResult reports a successful merge. The store has incremented
// CacheVersion for every updated cus-ent; NewVersions is the per-id
// confirmation the reconciler folds back into the cached snapshot.
type SyncResult struct {
	UpdatedCount         int
	RolloverUpdatedCount int
	NewVersions          map[string]int64
}

// ResetUpdate is the durable state change applied when a grant crosses its
// reset boundary. Resets commit to the store first (which is why a stale
// cached next_reset_at is a sync conflict) and are then mirrored into the
// cache synchronously.
type ResetUpdate struct {
	Balance        int64
	EntityBalances map[string]int64
	Purchased      int64
	Adjustment     int64
	NextResetAt    *int64

	// Rollover, when non-nil, is the carry-over spawned by this reset.
	Rollover *Rollover

	// PruneRolloverIDs are expired rollover records retired with the
	// reset (data retention, not a deduction-path deletion).
	PruneRolloverIDs []string
}

// Store is the durable, authoritative grant record store. It is the only
// resource requiring transactional guarantees: the version/reset-at/
// entity-count checks and the balance update commit together or not at all.
type Store interface {
	// GetFullCustomer loads the full denormalized snapshot. Returns
	// ErrCustomerNotFound for unknown customers.
	GetFullCustomer(ctx context.Context, customerID string) (*FullCustomer, error)

	// SyncFromCache merges the cache's view into the store atomically.
	// A value-identical replay is an idempotent success (merging equal
	// state is always safe and re-bumps versions by the same amount);
	// otherwise entries whose guards no longer match the committed state
	// make the whole merge fail with a *ConflictError. The store never
	// merges blindly.
	SyncFromCache(ctx context.Context, req *SyncRequest) (*SyncResult, error)

	// CreateCustomer inserts a customer with its initial attachments.
	CreateCustomer(ctx context.Context, fc *FullCustomer) error

	// AttachProduct appends a product attachment with its cus-ents.
	AttachProduct(ctx context.Context, customerID string, product *CustomerProduct) error

	// ResetCusEnt applies a reset boundary crossing durably and returns
	// the row's new cache version.
	ResetCusEnt(ctx context.Context, customerID, cusEntID string, upd *ResetUpdate) (int64, error)

	// SaveEntities replaces the customer's entity list and the per-entity
	// slices of the given entity-scoped cus-ents, bumping their versions
	// so in-flight syncs carrying stale entity counts conflict. Returns
	// the new version per touched cus-ent.
	SaveEntities(ctx context.Context, customerID string, entities []*Entity, cusEnts []*CustomerEntitlement) (map[string]int64, error)
}
