package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for negative track amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrFeatureNotFound is returned when no grant covers the feature
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrCustomerNotFound is returned when the customer is unknown to the store
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrCusEntNotFound is returned when a cus-ent id does not exist
	ErrCusEntNotFound = errors.New("customer entitlement not found")

	// ErrEntityNotFound is returned for an unknown entity id
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStoreUnavailable is returned when the grant record store is unreachable
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCacheRequired is returned by New when no snapshot cache is given;
	// mutations are cache-first, so running without one loses writes
	ErrCacheRequired = errors.New("snapshot cache required")
)

// ConflictCode identifies why a cache-to-store merge was rejected.
type ConflictCode string

const (
	// ConflictResetAt means a reset already happened server-side since the
	// cache snapshot was taken.
	ConflictResetAt ConflictCode = "RESET_AT_MISMATCH"

	// ConflictEntityCount means entities were added or removed concurrently.
	ConflictEntityCount ConflictCode = "ENTITY_COUNT_MISMATCH"

	// ConflictCacheVersion means another writer committed a newer version.
	ConflictCacheVersion ConflictCode = "CACHE_VERSION_MISMATCH"
)

// ConflictError is the structured rejection returned by the store-side merge.
// It is recovered locally by the sync protocol via cache invalidation and is
// never surfaced to the caller whose mutation already succeeded.
type ConflictError struct {
	CusEntID string
	Code     ConflictCode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on cus-ent %s: %s", e.CusEntID, e.Code)
}

// AsConflict unwraps err into a *ConflictError if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// LimitExceededError is returned by Track when the cumulative usage limit
// would be exceeded. The attempted call has no partial effect.
type LimitExceededError struct {
	FeatureID string
	Limit     int64
	Used      int64
	Attempted int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("usage limit exceeded for feature %s: limit %d, used %d, attempted %d (over by %d)",
		e.FeatureID, e.Limit, e.Used, e.Attempted, e.Used+e.Attempted-e.Limit)
}

// AsLimitExceeded unwraps err into a *LimitExceededError if it is one.
func AsLimitExceeded(err error) (*LimitExceededError, bool) {
	var le *LimitExceededError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
