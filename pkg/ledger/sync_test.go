package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/grantledger/cache/memory"
	"github.com/mihaimyh/grantledger/pkg/ledger"
	storemem "github.com/mihaimyh/grantledger/storage/memory"
)

func TestSync_PushesCacheStateToStore(t *testing.T) {
	l, store := newTestLedger(t, ledger.SyncModeManual)
	product := attachCredits(t, l, "cus1", meteredEnt(100))
	ceID := product.CusEnts[0].ID
	ctx := context.Background()

	if _, err := l.Track(ctx, ledger.TrackParams{CustomerID: "cus1", FeatureID: "credits", Amount: 30}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	// Manual mode: the store has not seen the write yet.
	fc, _ := store.GetFullCustomer(ctx, "cus1")
	if got := fc.CusEntByID(ceID).Balance; got != 100 {
		t.Fatalf("store must be untouched before sync, balance %d", got)
	}

	res, err := l.Sync(ctx, "cus1", []string{ceID}, nil)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.UpdatedCount != 1 {
		t.Errorf("expected 1 updated cus-ent, got %d", res.UpdatedCount)
	}

	fc, _ = store.GetFullCustomer(ctx, "cus1")
	ce := fc.CusEntByID(ceID)
	if ce.Balance != 70 {
		t.Errorf("expected store balance 70, got %d", ce.Balance)
	}
	if ce.CacheVersion != 2 {
		t.Errorf("expected store version 2, got %d", ce.CacheVersion)
	}
}

func TestSync_ReplayIsIdempotent(t *testing.T) {
	l, store := newTestLedger(t, ledger.SyncModeManual)
	product := attachCredits(t, l, "cus1", meteredEnt(100))
	ceID := product.CusEnts[0].ID
	ctx := context.Background()

	if _, err := l.Track(ctx, ledger.TrackParams{CustomerID: "cus1", FeatureID: "credits", Amount: 30}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if _, err := l.Sync(ctx, "cus1", []string{ceID}, nil); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}

	// Replaying identical state must succeed, not conflict.
	if _, err := l.Sync(ctx, "cus1", []string{ceID}, nil); err != nil {
		t.Fatalf("replayed Sync failed: %v", err)
	}

	fc, _ := store.GetFullCustomer(ctx, "cus1")
	if got := fc.CusEntByID(ceID).Balance; got != 70 {
		t.Errorf("replay must not change the balance, got %d", got)
	}
}

func TestSync_StaleVersionConflictInvalidatesCache(t *testing.T) {
	store := storemem.New()
	snapCache := memory.New(0, time.Minute)
	l, err := ledger.New(store, snapCache, ledger.Config{SyncMode: ledger.SyncModeManual})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()
	product := attachCredits(t, l, "cus1", meteredEnt(100))
	ceID := product.CusEnts[0].ID
	ctx := context.Background()

	// Cache holds balance 70 at version 1.
	if _, err := l.Track(ctx, ledger.TrackParams{CustomerID: "cus1", FeatureID: "credits", Amount: 30}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	// A concurrent writer commits version 2 behind the cache's back.
	fc, _ := store.GetFullCustomer(ctx, "cus1")
	if _, err := store.SaveEntities(ctx, "cus1", fc.Entities, []*ledger.CustomerEntitlement{fc.CusEntByID(ceID)}); err != nil {
		t.Fatalf("SaveEntities failed: %v", err)
	}

	_, err = l.Sync(ctx, "cus1", []string{ceID}, nil)
	conflict, ok := ledger.AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Code != ledger.ConflictCacheVersion {
		t.Errorf("expected %s, got %s", ledger.ConflictCacheVersion, conflict.Code)
	}

	// The whole snapshot was invalidated, never field-merged: the next
	// read serves the store's state.
	if _, ok, _ := snapCache.Get(ctx, "cus1"); ok {
		t.Fatal("expected snapshot invalidated after conflict")
	}
	fb, err := l.GetBalance(ctx, "cus1", "credits", "")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if fb.Current != 100 {
		t.Errorf("expected rehydrated balance 100, got %d", fb.Current)
	}
}

func TestSync_ResetAtConflict(t *testing.T) {
	l, store := newTestLedger(t, ledger.SyncModeManual)
	product := attachCredits(t, l, "cus1", meteredEnt(100))
	ceID := product.CusEnts[0].ID
	ctx := context.Background()

	if _, err := l.Track(ctx, ledger.TrackParams{CustomerID: "cus1", FeatureID: "credits", Amount: 30}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	// A reset commits server-side; the cached next_reset_at is now stale.
	next := time.Now().UTC().Add(30 * 24 * time.Hour).UnixMilli()
	if _, err := store.ResetCusEnt(ctx, "cus1", ceID, &ledger.ResetUpdate{Balance: 100, NextResetAt: &next}); err != nil {
		t.Fatalf("ResetCusEnt failed: %v", err)
	}

	_, err := l.Sync(ctx, "cus1", []string{ceID}, nil)
	conflict, ok := ledger.AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Code != ledger.ConflictResetAt {
		t.Errorf("expected %s, got %s", ledger.ConflictResetAt, conflict.Code)
	}
}

func TestSync_ColdCacheIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, ledger.SyncModeManual)
	attachCredits(t, l, "cus1", meteredEnt(100))

	// Attach invalidated the snapshot; nothing cached means nothing to
	// reconcile.
	res, err := l.Sync(context.Background(), "cus1", []string{"whatever"}, nil)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.UpdatedCount != 0 {
		t.Errorf("expected no-op, updated %d", res.UpdatedCount)
	}
}

func TestSync_AsyncWorkerDrainsOnClose(t *testing.T) {
	store := storemem.New()
	l, err := ledger.New(store, memory.New(0, time.Minute), ledger.Config{SyncMode: ledger.SyncModeAsync})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	product := attachCredits(t, l, "cus1", meteredEnt(100))
	ceID := product.CusEnts[0].ID
	ctx := context.Background()

	if _, err := l.Track(ctx, ledger.TrackParams{CustomerID: "cus1", FeatureID: "credits", Amount: 30}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	// Close drains queued sync jobs before returning.
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fc, _ := store.GetFullCustomer(ctx, "cus1")
	if got := fc.CusEntByID(ceID).Balance; got != 70 {
		t.Errorf("expected drained sync to persist balance 70, got %d", got)
	}
}
