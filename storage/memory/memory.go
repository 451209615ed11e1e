// Package memory provides an in-memory implementation of the ledger.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

// Store implements ledger.Store using in-memory maps.
type Store struct {
	mu        sync.RWMutex
	customers map[string]*ledger.FullCustomer
}

// New creates a new in-memory store adapter.
func New() *Store {
	return &Store{
		customers: make(map[string]*ledger.FullCustomer),
	}
}

// GetFullCustomer implements ledger.Store.
func (s *Store) GetFullCustomer(ctx context.Context, customerID string) (*ledger.FullCustomer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fc, ok := s.customers[customerID]
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}

	// Return a copy to prevent external mutations
	return fc.Clone(), nil
}

// SyncFromCache implements ledger.Store. The whole request is validated
// before anything is written: a single failed guard rejects the merge.
func (s *Store) SyncFromCache(ctx context.Context, req *ledger.SyncRequest) (*ledger.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, ok := s.customers[req.CustomerID]
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}

	// Validation pass
	for _, entry := range req.CusEnts {
		ce := fc.CusEntByID(entry.CusEntID)
		if ce == nil {
			return nil, ledger.ErrCusEntNotFound
		}
		if identicalState(ce, entry) {
			// Value-identical replay: merging equal state is always
			// safe, so it bypasses the guards.
			continue
		}
		if !resetAtEqual(ce.NextResetAt, entry.NextResetAt) {
			return nil, &ledger.ConflictError{CusEntID: ce.ID, Code: ledger.ConflictResetAt}
		}
		if entry.EntityCount != len(ce.Entities) {
			return nil, &ledger.ConflictError{CusEntID: ce.ID, Code: ledger.ConflictEntityCount}
		}
		if entry.CacheVersion < ce.CacheVersion {
			return nil, &ledger.ConflictError{CusEntID: ce.ID, Code: ledger.ConflictCacheVersion}
		}
	}

	res := &ledger.SyncResult{NewVersions: make(map[string]int64, len(req.CusEnts))}

	// Apply pass
	for _, entry := range req.CusEnts {
		ce := fc.CusEntByID(entry.CusEntID)
		ce.Balance = entry.Balance
		ce.Adjustment = entry.Adjustment
		for id, eb := range entry.Entities {
			if stored, ok := ce.Entities[id]; ok {
				*stored = *eb
			}
		}
		ce.CacheVersion++
		res.NewVersions[ce.ID] = ce.CacheVersion
		res.UpdatedCount++
	}

	for _, entry := range req.Rollovers {
		for _, ce := range fc.CusEnts() {
			r := rolloverByID(ce, entry.RolloverID)
			if r == nil {
				continue
			}
			r.Balance = entry.Balance
			r.Usage = entry.Usage
			for id, reb := range entry.Entities {
				if stored, ok := r.Entities[id]; ok {
					*stored = *reb
				}
			}
			res.RolloverUpdatedCount++
			break
		}
	}

	return res, nil
}

// CreateCustomer implements ledger.Store.
func (s *Store) CreateCustomer(ctx context.Context, fc *ledger.FullCustomer) error {
	if fc == nil || fc.Customer.ID == "" {
		return fmt.Errorf("invalid customer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[fc.Customer.ID]; ok {
		return fmt.Errorf("customer %s already exists", fc.Customer.ID)
	}

	// Store a copy to prevent external mutations
	s.customers[fc.Customer.ID] = fc.Clone()
	return nil
}

// AttachProduct implements ledger.Store.
func (s *Store) AttachProduct(ctx context.Context, customerID string, product *ledger.CustomerProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, ok := s.customers[customerID]
	if !ok {
		return ledger.ErrCustomerNotFound
	}

	wrapper := ledger.FullCustomer{Products: []*ledger.CustomerProduct{product}}
	fc.Products = append(fc.Products, wrapper.Clone().Products[0])
	return nil
}

// ResetCusEnt implements ledger.Store.
func (s *Store) ResetCusEnt(ctx context.Context, customerID, cusEntID string, upd *ledger.ResetUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, ok := s.customers[customerID]
	if !ok {
		return 0, ledger.ErrCustomerNotFound
	}
	ce := fc.CusEntByID(cusEntID)
	if ce == nil {
		return 0, ledger.ErrCusEntNotFound
	}

	ce.Balance = upd.Balance
	ce.Adjustment = upd.Adjustment
	ce.Purchased = upd.Purchased
	for id, bal := range upd.EntityBalances {
		if eb, ok := ce.Entities[id]; ok {
			eb.Balance = bal
			eb.Adjustment = 0
		}
	}
	if upd.NextResetAt != nil {
		v := *upd.NextResetAt
		ce.NextResetAt = &v
	} else {
		ce.NextResetAt = nil
	}

	if len(upd.PruneRolloverIDs) > 0 {
		kept := ce.Rollovers[:0]
		for _, r := range ce.Rollovers {
			if !containsID(upd.PruneRolloverIDs, r.ID) {
				kept = append(kept, r)
			}
		}
		ce.Rollovers = kept
	}
	if upd.Rollover != nil {
		rc := *upd.Rollover
		if upd.Rollover.ExpiresAt != nil {
			v := *upd.Rollover.ExpiresAt
			rc.ExpiresAt = &v
		}
		if upd.Rollover.Entities != nil {
			rc.Entities = make(map[string]*ledger.RolloverEntityBalance, len(upd.Rollover.Entities))
			for id, reb := range upd.Rollover.Entities {
				cp := *reb
				rc.Entities[id] = &cp
			}
		}
		ce.Rollovers = append(ce.Rollovers, &rc)
	}

	ce.CacheVersion++
	return ce.CacheVersion, nil
}

// SaveEntities implements ledger.Store.
func (s *Store) SaveEntities(ctx context.Context, customerID string, entities []*ledger.Entity, cusEnts []*ledger.CustomerEntitlement) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, ok := s.customers[customerID]
	if !ok {
		return nil, ledger.ErrCustomerNotFound
	}

	fc.Entities = make([]*ledger.Entity, 0, len(entities))
	for _, e := range entities {
		ec := *e
		fc.Entities = append(fc.Entities, &ec)
	}

	versions := make(map[string]int64, len(cusEnts))
	for _, src := range cusEnts {
		ce := fc.CusEntByID(src.ID)
		if ce == nil {
			return nil, ledger.ErrCusEntNotFound
		}
		ce.Entities = make(map[string]*ledger.EntityBalance, len(src.Entities))
		for id, eb := range src.Entities {
			cp := *eb
			ce.Entities[id] = &cp
		}
		ce.CacheVersion++
		versions[ce.ID] = ce.CacheVersion
	}

	return versions, nil
}

// identicalState reports whether the entry carries exactly the committed
// state, making the merge a replay.
func identicalState(ce *ledger.CustomerEntitlement, entry *ledger.SyncCusEntEntry) bool {
	if entry.Balance != ce.Balance || entry.Adjustment != ce.Adjustment {
		return false
	}
	if !resetAtEqual(ce.NextResetAt, entry.NextResetAt) {
		return false
	}
	if len(entry.Entities) != len(ce.Entities) || entry.EntityCount != len(ce.Entities) {
		return false
	}
	for id, eb := range entry.Entities {
		stored, ok := ce.Entities[id]
		if !ok || *stored != *eb {
			return false
		}
	}
	return true
}

func resetAtEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func rolloverByID(ce *ledger.CustomerEntitlement, id string) *ledger.Rollover {
	for _, r := range ce.Rollovers {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
