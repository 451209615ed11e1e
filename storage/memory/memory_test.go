package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

func seedCustomer(t *testing.T, s *Store) *ledger.FullCustomer {
	t.Helper()
	next := time.Now().UTC().Add(24 * time.Hour).UnixMilli()
	fc := &ledger.FullCustomer{
		Customer: ledger.Customer{ID: "cus1", Name: "Test", CreatedAt: time.Now().UTC()},
		Products: []*ledger.CustomerProduct{
			{
				ID: "cp1", ProductID: "pro", CustomerID: "cus1",
				CusEnts: []*ledger.CustomerEntitlement{
					{
						ID:                "ce1",
						CustomerProductID: "cp1",
						FeatureID:         "credits",
						Entitlement: &ledger.Entitlement{
							ID: "ent1", FeatureID: "credits", Allowance: 100,
							Interval: ledger.IntervalMonth,
						},
						Balance:      100,
						NextResetAt:  &next,
						CacheVersion: 1,
					},
				},
			},
		},
	}
	if err := s.CreateCustomer(context.Background(), fc); err != nil {
		t.Fatalf("CreateCustomer failed: %v", err)
	}
	return fc
}

func TestStore_GetFullCustomer(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetFullCustomer(ctx, "ghost")
	if !errors.Is(err, ledger.ErrCustomerNotFound) {
		t.Errorf("expected ErrCustomerNotFound, got %v", err)
	}

	seedCustomer(t, s)

	fc, err := s.GetFullCustomer(ctx, "cus1")
	if err != nil {
		t.Fatalf("GetFullCustomer failed: %v", err)
	}
	if fc.Customer.ID != "cus1" {
		t.Errorf("unexpected customer %s", fc.Customer.ID)
	}

	// Mutating the returned snapshot must not leak into the store.
	fc.CusEnts()[0].Balance = 0
	again, _ := s.GetFullCustomer(ctx, "cus1")
	if got := again.CusEnts()[0].Balance; got != 100 {
		t.Errorf("store state leaked, balance %d", got)
	}
}

func TestStore_CreateCustomerDuplicate(t *testing.T) {
	s := New()
	seedCustomer(t, s)

	err := s.CreateCustomer(context.Background(), &ledger.FullCustomer{Customer: ledger.Customer{ID: "cus1"}})
	if err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestStore_SyncFromCache_Success(t *testing.T) {
	s := New()
	seed := seedCustomer(t, s)
	ctx := context.Background()

	res, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
		CustomerID: "cus1",
		CusEnts: []*ledger.SyncCusEntEntry{
			{
				CusEntID:     "ce1",
				Balance:      70,
				NextResetAt:  seed.CusEnts()[0].NextResetAt,
				EntityCount:  0,
				CacheVersion: 1,
			},
		},
	})
	if err != nil {
		t.Fatalf("SyncFromCache failed: %v", err)
	}
	if res.UpdatedCount != 1 {
		t.Errorf("expected 1 update, got %d", res.UpdatedCount)
	}
	if res.NewVersions["ce1"] != 2 {
		t.Errorf("expected new version 2, got %d", res.NewVersions["ce1"])
	}

	fc, _ := s.GetFullCustomer(ctx, "cus1")
	if got := fc.CusEntByID("ce1").Balance; got != 70 {
		t.Errorf("expected balance 70, got %d", got)
	}
}

func TestStore_SyncFromCache_ConflictPrecedence(t *testing.T) {
	// When several guards would fail at once, the reported code follows
	// the fixed check order: reset-at, then entity count, then version.
	ctx := context.Background()

	t.Run("reset at first", func(t *testing.T) {
		s := New()
		seed := seedCustomer(t, s)
		stale := *seed.CusEnts()[0].NextResetAt - 1000

		_, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
			CustomerID: "cus1",
			CusEnts: []*ledger.SyncCusEntEntry{
				{CusEntID: "ce1", Balance: 70, NextResetAt: &stale, EntityCount: 5, CacheVersion: 0},
			},
		})
		conflict, ok := ledger.AsConflict(err)
		if !ok || conflict.Code != ledger.ConflictResetAt {
			t.Errorf("expected %s, got %v", ledger.ConflictResetAt, err)
		}
	})

	t.Run("entity count second", func(t *testing.T) {
		s := New()
		seed := seedCustomer(t, s)

		_, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
			CustomerID: "cus1",
			CusEnts: []*ledger.SyncCusEntEntry{
				{CusEntID: "ce1", Balance: 70, NextResetAt: seed.CusEnts()[0].NextResetAt, EntityCount: 5, CacheVersion: 0},
			},
		})
		conflict, ok := ledger.AsConflict(err)
		if !ok || conflict.Code != ledger.ConflictEntityCount {
			t.Errorf("expected %s, got %v", ledger.ConflictEntityCount, err)
		}
	})

	t.Run("version last", func(t *testing.T) {
		s := New()
		seed := seedCustomer(t, s)

		_, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
			CustomerID: "cus1",
			CusEnts: []*ledger.SyncCusEntEntry{
				{CusEntID: "ce1", Balance: 70, NextResetAt: seed.CusEnts()[0].NextResetAt, EntityCount: 0, CacheVersion: 0},
			},
		})
		conflict, ok := ledger.AsConflict(err)
		if !ok || conflict.Code != ledger.ConflictCacheVersion {
			t.Errorf("expected %s, got %v", ledger.ConflictCacheVersion, err)
		}
	})
}

func TestStore_SyncFromCache_ReplayBypassesGuards(t *testing.T) {
	s := New()
	seed := seedCustomer(t, s)
	ctx := context.Background()

	// Identical values with a stale version: still an idempotent success.
	res, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
		CustomerID: "cus1",
		CusEnts: []*ledger.SyncCusEntEntry{
			{CusEntID: "ce1", Balance: 100, NextResetAt: seed.CusEnts()[0].NextResetAt, EntityCount: 0, CacheVersion: 0},
		},
	})
	if err != nil {
		t.Fatalf("replay rejected: %v", err)
	}
	if res.NewVersions["ce1"] != 2 {
		t.Errorf("replay must still bump the version, got %d", res.NewVersions["ce1"])
	}
}

func TestStore_SyncFromCache_AtomicRejection(t *testing.T) {
	s := New()
	seed := seedCustomer(t, s)
	ctx := context.Background()

	// A second entry with a failing guard rejects the whole merge: the
	// first (valid) entry must not be applied.
	_, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
		CustomerID: "cus1",
		CusEnts: []*ledger.SyncCusEntEntry{
			{CusEntID: "ce1", Balance: 70, NextResetAt: seed.CusEnts()[0].NextResetAt, EntityCount: 0, CacheVersion: 1},
			{CusEntID: "missing", Balance: 1, CacheVersion: 1},
		},
	})
	if !errors.Is(err, ledger.ErrCusEntNotFound) {
		t.Fatalf("expected ErrCusEntNotFound, got %v", err)
	}

	fc, _ := s.GetFullCustomer(ctx, "cus1")
	if got := fc.CusEntByID("ce1").Balance; got != 100 {
		t.Errorf("partial merge applied, balance %d", got)
	}
}

func TestStore_SyncFromCache_Rollovers(t *testing.T) {
	s := New()
	seedCustomer(t, s)
	ctx := context.Background()

	// Attach a rollover through a reset, then sync consumption into it.
	next := time.Now().UTC().Add(48 * time.Hour).UnixMilli()
	if _, err := s.ResetCusEnt(ctx, "cus1", "ce1", &ledger.ResetUpdate{
		Balance:     100,
		NextResetAt: &next,
		Rollover:    &ledger.Rollover{ID: "r1", CusEntID: "ce1", Balance: 40},
	}); err != nil {
		t.Fatalf("ResetCusEnt failed: %v", err)
	}

	res, err := s.SyncFromCache(ctx, &ledger.SyncRequest{
		CustomerID: "cus1",
		Rollovers: []*ledger.SyncRolloverEntry{
			{RolloverID: "r1", Balance: 40, Usage: 15},
		},
	})
	if err != nil {
		t.Fatalf("SyncFromCache failed: %v", err)
	}
	if res.RolloverUpdatedCount != 1 {
		t.Errorf("expected 1 rollover update, got %d", res.RolloverUpdatedCount)
	}

	fc, _ := s.GetFullCustomer(ctx, "cus1")
	r := fc.CusEntByID("ce1").Rollovers[0]
	if r.Usage != 15 {
		t.Errorf("expected rollover usage 15, got %d", r.Usage)
	}
}

func TestStore_ResetCusEnt(t *testing.T) {
	s := New()
	seedCustomer(t, s)
	ctx := context.Background()

	next := time.Now().UTC().Add(30 * 24 * time.Hour).UnixMilli()
	version, err := s.ResetCusEnt(ctx, "cus1", "ce1", &ledger.ResetUpdate{
		Balance:     100,
		NextResetAt: &next,
		Rollover:    &ledger.Rollover{ID: "r1", CusEntID: "ce1", Balance: 20},
	})
	if err != nil {
		t.Fatalf("ResetCusEnt failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	fc, _ := s.GetFullCustomer(ctx, "cus1")
	ce := fc.CusEntByID("ce1")
	if ce.Balance != 100 || *ce.NextResetAt != next {
		t.Errorf("reset not applied: balance %d next %d", ce.Balance, *ce.NextResetAt)
	}
	if len(ce.Rollovers) != 1 {
		t.Fatalf("expected 1 rollover, got %d", len(ce.Rollovers))
	}

	// A later reset retires the expired rollover.
	next2 := next + 1000
	if _, err := s.ResetCusEnt(ctx, "cus1", "ce1", &ledger.ResetUpdate{
		Balance:          100,
		NextResetAt:      &next2,
		PruneRolloverIDs: []string{"r1"},
	}); err != nil {
		t.Fatalf("second ResetCusEnt failed: %v", err)
	}
	fc, _ = s.GetFullCustomer(ctx, "cus1")
	if got := len(fc.CusEntByID("ce1").Rollovers); got != 0 {
		t.Errorf("expected rollover pruned, got %d", got)
	}

	if _, err := s.ResetCusEnt(ctx, "cus1", "ghost", &ledger.ResetUpdate{}); !errors.Is(err, ledger.ErrCusEntNotFound) {
		t.Errorf("expected ErrCusEntNotFound, got %v", err)
	}
}

func TestStore_SaveEntities(t *testing.T) {
	s := New()
	fc := seedCustomer(t, s)
	ctx := context.Background()

	ce := fc.CusEnts()[0]
	ce.Entities = map[string]*ledger.EntityBalance{
		"e1": {Balance: 100},
	}
	entities := []*ledger.Entity{{ID: "e1", FeatureID: "seats", CreatedAt: time.Now().UTC()}}

	versions, err := s.SaveEntities(ctx, "cus1", entities, []*ledger.CustomerEntitlement{ce})
	if err != nil {
		t.Fatalf("SaveEntities failed: %v", err)
	}
	if versions["ce1"] != 2 {
		t.Errorf("expected version 2, got %d", versions["ce1"])
	}

	got, _ := s.GetFullCustomer(ctx, "cus1")
	if len(got.Entities) != 1 || got.Entities[0].ID != "e1" {
		t.Errorf("entity list not replaced: %+v", got.Entities)
	}
	if got.CusEntByID("ce1").Entities["e1"].Balance != 100 {
		t.Error("entity slice not saved")
	}
}

func TestStore_AttachProduct(t *testing.T) {
	s := New()
	seedCustomer(t, s)
	ctx := context.Background()

	err := s.AttachProduct(ctx, "cus1", &ledger.CustomerProduct{
		ID: "cp2", ProductID: "addon", CustomerID: "cus1",
		CusEnts: []*ledger.CustomerEntitlement{
			{
				ID: "ce2", CustomerProductID: "cp2", FeatureID: "seats",
				Entitlement:  &ledger.Entitlement{ID: "ent2", FeatureID: "seats", Allowance: 5},
				Balance:      5,
				CacheVersion: 1,
			},
		},
	})
	if err != nil {
		t.Fatalf("AttachProduct failed: %v", err)
	}

	fc, _ := s.GetFullCustomer(ctx, "cus1")
	if len(fc.Products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(fc.Products))
	}
	if fc.CusEntByID("ce2") == nil {
		t.Error("attached cus-ent missing")
	}

	if err := s.AttachProduct(ctx, "ghost", &ledger.CustomerProduct{ID: "cp3"}); !errors.Is(err, ledger.ErrCustomerNotFound) {
		t.Errorf("expected ErrCustomerNotFound, got %v", err)
	}
}
