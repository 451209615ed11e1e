package ledger

import "context"

// Sync reconciles the cache's current view of the given cus-ents and
// rollovers into the grant record store. It takes the per-customer lock so
// reconciliation never interleaves with a mutation on the same customer;
// staleness relative to other processes is detected by the store's
// optimistic-concurrency checks, not the lock.
//
// If the cache holds no snapshot for the customer the sync is a no-op: the
// store is already the source of truth. On conflict the reconciler never
// attempts a field-level merge or a retry with fresh data; it invalidates
// the whole cached snapshot so the next read rehydrates from the store.
// Partial merges risk silently resurrecting stale grant amounts, whereas
// invalidation is always safe at the cost of one extra read.
func (l *Ledger) Sync(ctx context.Context, customerID string, cusEntIDs, rolloverIDs []string) (*SyncResult, error) {
	unlock := l.locks.Lock(customerID)
	defer unlock()
	return l.syncLocked(ctx, customerID, cusEntIDs, rolloverIDs)
}

// syncLocked is the reconciler body. The caller must hold the customer lock:
// mutating operations dispatch inline syncs from inside their critical
// section and the lock is not reentrant.
func (l *Ledger) syncLocked(ctx context.Context, customerID string, cusEntIDs, rolloverIDs []string) (*SyncResult, error) {
	fc, ok, err := l.cache.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.config.Logger.Debug("sync skipped, snapshot not cached",
			CustomerField(customerID))
		return &SyncResult{}, nil
	}

	req := buildSyncRequest(fc, customerID, cusEntIDs, rolloverIDs)
	if len(req.CusEnts) == 0 && len(req.Rollovers) == 0 {
		return &SyncResult{}, nil
	}

	res, err := l.store.SyncFromCache(ctx, req)
	if err != nil {
		if conflict, ok := AsConflict(err); ok {
			l.config.Metrics.RecordSyncConflict(conflict.Code)
			l.config.Logger.Warn("sync conflict, invalidating cached snapshot",
				CustomerField(customerID),
				CusEntField(conflict.CusEntID),
				Field{Key: "code", Value: string(conflict.Code)})
			if ierr := l.cache.Invalidate(ctx, customerID); ierr != nil {
				l.config.Logger.Error("cache invalidate failed",
					CustomerField(customerID),
					ErrorField(ierr))
			}
			return nil, err
		}
		l.config.Metrics.RecordSync(customerID, 0, err)
		l.config.Logger.Error("sync failed, will retry on next mutation",
			CustomerField(customerID),
			ErrorField(err))
		return nil, err
	}

	l.confirmVersions(ctx, customerID, res.NewVersions)

	l.config.Metrics.RecordSync(customerID, res.UpdatedCount, nil)
	l.config.Logger.Debug("sync complete",
		CustomerField(customerID),
		Field{Key: "updated", Value: res.UpdatedCount},
		Field{Key: "rollovers_updated", Value: res.RolloverUpdatedCount})

	return res, nil
}

// buildSyncRequest extracts the requested entries from the snapshot.
func buildSyncRequest(fc *FullCustomer, customerID string, cusEntIDs, rolloverIDs []string) *SyncRequest {
	req := &SyncRequest{CustomerID: customerID}

	for _, id := range cusEntIDs {
		ce := fc.CusEntByID(id)
		if ce == nil {
			continue
		}
		entry := &SyncCusEntEntry{
			CusEntID:     ce.ID,
			Balance:      ce.Balance,
			Adjustment:   ce.Adjustment,
			EntityCount:  len(ce.Entities),
			CacheVersion: ce.CacheVersion,
		}
		if ce.NextResetAt != nil {
			v := *ce.NextResetAt
			entry.NextResetAt = &v
		}
		if len(ce.Entities) > 0 {
			entry.Entities = make(map[string]*EntityBalance, len(ce.Entities))
			for eid, eb := range ce.Entities {
				cp := *eb
				entry.Entities[eid] = &cp
			}
		}
		req.CusEnts = append(req.CusEnts, entry)
	}

	for _, id := range rolloverIDs {
		for _, ce := range fc.CusEnts() {
			r := ce.rolloverByID(id)
			if r == nil {
				continue
			}
			entry := &SyncRolloverEntry{
				RolloverID: r.ID,
				Balance:    r.Balance,
				Usage:      r.Usage,
			}
			if len(r.Entities) > 0 {
				entry.Entities = make(map[string]*RolloverEntityBalance, len(r.Entities))
				for eid, reb := range r.Entities {
					cp := *reb
					entry.Entities[eid] = &cp
				}
			}
			req.Rollovers = append(req.Rollovers, entry)
			break
		}
	}

	return req
}

// confirmVersions folds the store's per-id version confirmations back into
// the cached snapshot. This is the only cache mutation a successful sync
// performs: the balances already match from the synchronous write path, and
// the version token is advanced only by a durable write. The caller holds
// the customer lock.
func (l *Ledger) confirmVersions(ctx context.Context, customerID string, versions map[string]int64) {
	if len(versions) == 0 {
		return
	}

	fc, ok, err := l.cache.Get(ctx, customerID)
	if err != nil || !ok {
		return // evicted meanwhile; next read rehydrates with fresh versions
	}
	changed := false
	for id, v := range versions {
		if ce := fc.CusEntByID(id); ce != nil && ce.CacheVersion < v {
			ce.CacheVersion = v
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := l.cache.Set(ctx, customerID, fc); err != nil {
		l.config.Logger.Warn("version confirm write failed",
			CustomerField(customerID),
			ErrorField(err))
	}
}

// enqueueSync dispatches reconciliation according to the configured mode.
func (l *Ledger) enqueueSync(ctx context.Context, customerID string, cusEntIDs, rolloverIDs []string) {
	switch l.config.SyncMode {
	case SyncModeManual:
		return
	case SyncModeSync:
		// Inline, still inside the caller's critical section. Errors are
		// recovered locally (logged, retried on the next mutation) and
		// never surfaced to the mutating caller, whose write already
		// succeeded against the cache.
		_, _ = l.syncLocked(ctx, customerID, cusEntIDs, rolloverIDs) //nolint:errcheck // recovered via invalidation/logging
		return
	default:
	}

	job := syncJob{customerID: customerID, cusEntIDs: cusEntIDs, rolloverIDs: rolloverIDs}
	select {
	case l.syncQueue <- job:
	default:
		l.config.Logger.Warn("sync queue full, dropping job",
			CustomerField(customerID))
	}
}

// startSyncWorker runs the background reconciliation loop. Jobs are
// processed sequentially to maintain causal ordering per customer.
func (l *Ledger) startSyncWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				l.runSyncJob(job)
			case <-l.shutdown:
				// Drain queue on shutdown (best effort).
				for {
					select {
					case job := <-l.syncQueue:
						l.runSyncJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *Ledger) runSyncJob(job syncJob) {
	// Background context: a request timing out must not abandon the merge
	// halfway; the store merge itself is atomic either way.
	_, _ = l.Sync(context.Background(), job.customerID, job.cusEntIDs, job.rolloverIDs) //nolint:errcheck // recovered via invalidation/logging
}
