package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SyncMode controls how cache mutations are reconciled into the store.
type SyncMode int

const (
	// SyncModeAsync (default) enqueues a fire-and-forget sync after each
	// mutation onto a background worker.
	SyncModeAsync SyncMode = iota

	// SyncModeSync reconciles inline after each mutation. Slower writes,
	// no durability lag.
	SyncModeSync

	// SyncModeManual leaves reconciliation to explicit Sync calls
	// (batch schedulers, tests).
	SyncModeManual
)

// Config holds ledger configuration.
type Config struct {
	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics).
	Metrics Metrics

	// SyncMode selects async, inline or manual reconciliation.
	SyncMode SyncMode

	// SyncBufferSize is the async sync queue capacity (default: 1000).
	SyncBufferSize int
}

// Ledger is the metered-billing entitlement ledger: it serves balance reads
// and usage writes from a snapshot cache and reconciles mutations into the
// durable grant record store with optimistic-concurrency conflict detection.
type Ledger struct {
	store  Store
	cache  SnapshotCache
	config Config

	// locks serializes mutations per customer key; cross-customer
	// operations run fully parallel.
	locks *keyMutex

	// flight collapses concurrent cache-miss hydrations per customer.
	flight singleflight.Group

	syncQueue chan syncJob
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type syncJob struct {
	customerID  string
	cusEntIDs   []string
	rolloverIDs []string
}

// New creates a ledger over the given store and cache. Both are required:
// mutations land in the cache first and reach the store through sync, so a
// discarding cache would silently lose tracked usage.
func New(store Store, cache SnapshotCache, config Config) (*Ledger, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if cache == nil {
		return nil, ErrCacheRequired
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	l := &Ledger{
		store:     store,
		cache:     cache,
		config:    config,
		locks:     newKeyMutex(),
		syncQueue: make(chan syncJob, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.SyncMode == SyncModeAsync {
		l.startSyncWorker()
	}

	return l, nil
}

// Close stops the async sync worker, draining queued jobs best-effort.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.shutdown)
		l.wg.Wait()
	})
	return nil
}

// snapshot returns the customer's full snapshot, hydrating the cache from
// the store on a miss. Concurrent hydrations for one customer are collapsed.
func (l *Ledger) snapshot(ctx context.Context, customerID string) (*FullCustomer, error) {
	fc, ok, err := l.cache.Get(ctx, customerID)
	if err != nil {
		l.config.Logger.Warn("cache read failed, falling back to store",
			CustomerField(customerID),
			ErrorField(err))
	}
	if ok {
		l.config.Metrics.RecordCacheHit()
		return fc, nil
	}
	l.config.Metrics.RecordCacheMiss()

	v, err, _ := l.flight.Do(customerID, func() (interface{}, error) {
		fc, err := l.store.GetFullCustomer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(ctx, customerID, fc); err != nil {
			l.config.Logger.Warn("cache populate failed",
				CustomerField(customerID),
				ErrorField(err))
		}
		return fc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FullCustomer).Clone(), nil
}

// TrackParams describes one usage event.
type TrackParams struct {
	CustomerID string
	FeatureID  string
	Amount     int64

	// EntityID targets one sub-customer entity (e.g. a seat).
	EntityID string
}

// TrackResult reports an applied usage event.
type TrackResult struct {
	// Unlimited is true when the feature is uncapped for this customer;
	// nothing was deducted.
	Unlimited bool

	// Deducted is the amount actually taken from balances.
	Deducted int64

	// Unsatisfied is the excess that could not be deducted because
	// overage is not permitted (the deduction clamped at zero).
	Unsatisfied int64

	// Balance is the feature balance after the event.
	Balance *FeatureBalance
}

// Track applies a usage event against the cached snapshot. The usage-limit
// check and the deduction happen inside the per-customer critical section,
// so concurrent calls that together would exceed the limit resolve to
// exactly one rejection. Rejections carry *LimitExceededError and have no
// partial effect.
func (l *Ledger) Track(ctx context.Context, params TrackParams) (*TrackResult, error) {
	if params.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	unlock := l.locks.Lock(params.CustomerID)
	defer unlock()

	fc, err := l.snapshot(ctx, params.CustomerID)
	if err != nil {
		return nil, err
	}

	cusEnts := fc.CusEntsForFeature(params.FeatureID)
	if len(cusEnts) == 0 {
		return nil, ErrFeatureNotFound
	}
	if params.EntityID != "" && !hasEntity(fc, params.EntityID) {
		return nil, ErrEntityNotFound
	}

	balance := ComputeBalance(cusEnts, params.FeatureID, params.EntityID)
	if balance.Unlimited {
		l.config.Metrics.RecordTrack(params.CustomerID, params.FeatureID, params.Amount, true)
		return &TrackResult{Unlimited: true, Balance: balance}, nil
	}

	// Hard ceiling on cumulative usage, independent of overage. The
	// check-then-act is atomic under the customer lock.
	if limit, ok := UsageLimit(cusEnts, params.FeatureID); ok {
		if balance.Usage+params.Amount > limit {
			l.config.Metrics.RecordTrack(params.CustomerID, params.FeatureID, params.Amount, false)
			return nil, &LimitExceededError{
				FeatureID: params.FeatureID,
				Limit:     limit,
				Used:      balance.Usage,
				Attempted: params.Amount,
			}
		}
	}

	if params.Amount == 0 {
		return &TrackResult{Balance: balance}, nil
	}

	res := Deduct(DeductParams{
		CusEnts:       SortCusEnts(cusEnts),
		Amount:        params.Amount,
		EntityID:      params.EntityID,
		EntityOrder:   fc.EntityOrder(),
		AllowNegative: balance.UsageAllowed,
	})
	ApplyDeduction(fc, res)

	if err := l.cache.Set(ctx, params.CustomerID, fc); err != nil {
		return nil, err
	}

	l.config.Metrics.RecordTrack(params.CustomerID, params.FeatureID, params.Amount, true)
	l.config.Logger.Debug("usage tracked",
		CustomerField(params.CustomerID),
		FeatureField(params.FeatureID),
		Field{Key: "amount", Value: params.Amount},
		Field{Key: "remaining", Value: res.Remaining})

	l.scheduleSync(ctx, params.CustomerID, res)

	return &TrackResult{
		Deducted:    params.Amount - res.Remaining,
		Unsatisfied: res.Remaining,
		Balance:     ComputeBalance(fc.CusEntsForFeature(params.FeatureID), params.FeatureID, params.EntityID),
	}, nil
}

// GetBalance computes the externally visible balance for a feature, sourcing
// from the cache when warm and the store on a miss. A cache miss never
// blocks on sync completion.
func (l *Ledger) GetBalance(ctx context.Context, customerID, featureID, entityID string) (*FeatureBalance, error) {
	start := time.Now()
	defer func() {
		l.config.Metrics.RecordBalanceRead(customerID, featureID, time.Since(start))
	}()

	fc, err := l.snapshot(ctx, customerID)
	if err != nil {
		return nil, err
	}
	cusEnts := fc.CusEntsForFeature(featureID)
	if len(cusEnts) == 0 {
		return nil, ErrFeatureNotFound
	}
	if entityID != "" && !hasEntity(fc, entityID) {
		return nil, ErrEntityNotFound
	}
	return ComputeBalance(cusEnts, featureID, entityID), nil
}

// GetBreakdown returns the per-grant decomposition of a feature balance.
func (l *Ledger) GetBreakdown(ctx context.Context, customerID, featureID, entityID string) ([]*GrantBalance, error) {
	fc, err := l.snapshot(ctx, customerID)
	if err != nil {
		return nil, err
	}
	cusEnts := fc.CusEntsForFeature(featureID)
	if len(cusEnts) == 0 {
		return nil, ErrFeatureNotFound
	}
	return ComputeBreakdown(cusEnts, featureID, entityID), nil
}

// SetBalanceFilter scopes an admin balance edit to one grant or one
// reset-interval class.
type SetBalanceFilter struct {
	CusEntID string
	Interval ResetInterval
}

// SetBalanceParams describes an admin balance override.
type SetBalanceParams struct {
	CustomerID string
	FeatureID  string

	// Target is the desired current balance for the matching grants.
	Target int64

	// EntityID scopes the edit to one entity's nested balance.
	EntityID string

	Filter *SetBalanceFilter
}

// SetBalance sets the current balance for a feature to an exact value.
// Lowering the balance applies the same sequential deduction order as usage
// tracking (soonest-expiring grant first, entities in creation order);
// raising it credits the first grant in that order.
func (l *Ledger) SetBalance(ctx context.Context, params SetBalanceParams) (*FeatureBalance, error) {
	unlock := l.locks.Lock(params.CustomerID)
	defer unlock()

	fc, err := l.snapshot(ctx, params.CustomerID)
	if err != nil {
		return nil, err
	}

	cusEnts := filterCusEnts(fc.CusEntsForFeature(params.FeatureID), params.Filter)
	if len(cusEnts) == 0 {
		return nil, ErrFeatureNotFound
	}

	current := ComputeBalance(cusEnts, params.FeatureID, params.EntityID)
	delta := current.Current - params.Target
	if delta == 0 {
		return current, nil
	}

	res := Deduct(DeductParams{
		CusEnts:       SortCusEnts(cusEnts),
		Amount:        delta,
		EntityID:      params.EntityID,
		EntityOrder:   fc.EntityOrder(),
		AllowNegative: params.Target < 0 && current.UsageAllowed,
	})
	ApplyDeduction(fc, res)

	if err := l.cache.Set(ctx, params.CustomerID, fc); err != nil {
		return nil, err
	}

	l.config.Logger.Info("balance set",
		CustomerField(params.CustomerID),
		FeatureField(params.FeatureID),
		Field{Key: "target", Value: params.Target},
		Field{Key: "delta", Value: delta})

	l.scheduleSync(ctx, params.CustomerID, res)

	return ComputeBalance(filterCusEnts(fc.CusEntsForFeature(params.FeatureID), params.Filter), params.FeatureID, params.EntityID), nil
}

// TopUpParams describes a prepaid credit purchase.
type TopUpParams struct {
	CustomerID string
	FeatureID  string
	Amount     int64

	// CusEntID targets one grant; empty picks the last grant in deduction
	// order so topped-up value outlives soon-resetting allowances.
	CusEntID string
}

// TopUp layers purchased credit on top of a grant's allowance. The quantity
// is tracked separately from Granted so callers can distinguish "included"
// from "bought".
func (l *Ledger) TopUp(ctx context.Context, params TopUpParams) error {
	if params.Amount <= 0 {
		return ErrInvalidAmount
	}

	unlock := l.locks.Lock(params.CustomerID)
	defer unlock()

	fc, err := l.snapshot(ctx, params.CustomerID)
	if err != nil {
		return err
	}

	var ce *CustomerEntitlement
	if params.CusEntID != "" {
		ce = fc.CusEntByID(params.CusEntID)
		if ce == nil || ce.FeatureID != params.FeatureID {
			return ErrCusEntNotFound
		}
	} else {
		cusEnts := SortCusEnts(fc.CusEntsForFeature(params.FeatureID))
		if len(cusEnts) == 0 {
			return ErrFeatureNotFound
		}
		ce = cusEnts[len(cusEnts)-1]
	}

	ce.Purchased += params.Amount
	ce.Balance += params.Amount

	if err := l.cache.Set(ctx, params.CustomerID, fc); err != nil {
		return err
	}

	l.config.Logger.Info("balance topped up",
		CustomerField(params.CustomerID),
		FeatureField(params.FeatureID),
		Field{Key: "amount", Value: params.Amount},
		CusEntField(ce.ID))

	l.enqueueSync(ctx, params.CustomerID, []string{ce.ID}, nil)
	return nil
}

// Reset applies a reset boundary crossing for one grant: it spawns a
// rollover when the grant's configuration permits carry-over, refills the
// balance to the allowance, clears purchased credit and advances the next
// reset time. The reset commits to the store first; the cache is updated to
// match afterwards, so no sync round-trip is needed.
func (l *Ledger) Reset(ctx context.Context, customerID, cusEntID string) error {
	unlock := l.locks.Lock(customerID)
	defer unlock()

	fc, err := l.snapshot(ctx, customerID)
	if err != nil {
		return err
	}
	ce := fc.CusEntByID(cusEntID)
	if ce == nil {
		return ErrCusEntNotFound
	}
	ent := ce.Entitlement
	if ent == nil || ent.Interval == IntervalLifetime || ce.NextResetAt == nil {
		return nil // lifetime grants never reset
	}

	now := time.Now().UTC()
	upd := buildResetUpdate(ce, now)

	newVersion, err := l.store.ResetCusEnt(ctx, customerID, cusEntID, upd)
	if err != nil {
		return err
	}

	applyResetUpdate(ce, upd, newVersion)

	if err := l.cache.Set(ctx, customerID, fc); err != nil {
		return err
	}

	l.config.Logger.Info("grant reset",
		CustomerField(customerID),
		CusEntField(cusEntID),
		Field{Key: "next_reset_at", Value: upd.NextResetAt},
		Field{Key: "rollover", Value: upd.Rollover != nil})

	return nil
}

// buildResetUpdate computes the post-reset state for a grant.
func buildResetUpdate(ce *CustomerEntitlement, now time.Time) *ResetUpdate {
	ent := ce.Entitlement

	// Advance from the crossed boundary, not from now, so anniversaries
	// do not drift when the trigger fires late.
	next := msToTime(*ce.NextResetAt)
	for !next.After(now) {
		next = NextResetTime(next, ent.Interval, ent.IntervalCount)
	}
	nextMs := epochMs(next)

	upd := &ResetUpdate{
		Balance:     ent.Allowance,
		Adjustment:  ce.Adjustment,
		NextResetAt: &nextMs,
	}

	if ce.EntityScoped() {
		upd.Balance = ce.Balance
		upd.EntityBalances = make(map[string]int64, len(ce.Entities))
		for id := range ce.Entities {
			upd.EntityBalances[id] = ent.Allowance
		}
	}

	if ent.Rollover != nil {
		upd.Rollover = buildRollover(ce, now, next)
	}

	for _, r := range ce.Rollovers {
		if r.Expired(now) {
			upd.PruneRolloverIDs = append(upd.PruneRolloverIDs, r.ID)
		}
	}

	return upd
}

// buildRollover snapshots the unused balance carried into the next cycle,
// capped by the rollover configuration. Returns nil when nothing carries.
func buildRollover(ce *CustomerEntitlement, now, next time.Time) *Rollover {
	cfg := ce.Entitlement.Rollover
	clamp := func(v int64) int64 {
		if v < 0 {
			return 0
		}
		if cfg.Max > 0 && v > cfg.Max {
			return cfg.Max
		}
		return v
	}

	r := &Rollover{
		ID:       uuid.NewString(),
		CusEntID: ce.ID,
	}
	if cfg.ExpiryCycles > 0 {
		months := ce.Entitlement.Interval.Months()
		count := ce.Entitlement.IntervalCount
		if count <= 0 {
			count = 1
		}
		exp := epochMs(addMonthsSafe(next, months*count*cfg.ExpiryCycles))
		r.ExpiresAt = &exp
	}

	if ce.EntityScoped() {
		r.Entities = make(map[string]*RolloverEntityBalance)
		total := int64(0)
		for id, eb := range ce.Entities {
			carried := clamp(eb.Balance)
			if carried > 0 {
				r.Entities[id] = &RolloverEntityBalance{Balance: carried}
				total += carried
			}
		}
		if total == 0 {
			return nil
		}
		return r
	}

	r.Balance = clamp(ce.Balance)
	if r.Balance == 0 {
		return nil
	}
	return r
}

// applyResetUpdate mirrors a committed reset into the cached cus-ent.
func applyResetUpdate(ce *CustomerEntitlement, upd *ResetUpdate, newVersion int64) {
	ce.Balance = upd.Balance
	ce.Purchased = upd.Purchased
	ce.Adjustment = upd.Adjustment
	ce.NextResetAt = upd.NextResetAt
	ce.CacheVersion = newVersion

	for id, b := range upd.EntityBalances {
		if eb, ok := ce.Entities[id]; ok {
			eb.Balance = b
		}
	}

	if len(upd.PruneRolloverIDs) > 0 {
		pruned := ce.Rollovers[:0]
		for _, r := range ce.Rollovers {
			if !containsString(upd.PruneRolloverIDs, r.ID) {
				pruned = append(pruned, r)
			}
		}
		ce.Rollovers = pruned
	}
	if upd.Rollover != nil {
		ce.Rollovers = append(ce.Rollovers, upd.Rollover)
	}
}

// CreateEntity adds a sub-customer entity and seeds per-entity balances on
// every grant scoped to the entity's feature. The entity list change commits
// durably (bumping versions so stale syncs conflict) before the cache is
// updated.
func (l *Ledger) CreateEntity(ctx context.Context, customerID string, entity *Entity) error {
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}

	unlock := l.locks.Lock(customerID)
	defer unlock()

	fc, err := l.snapshot(ctx, customerID)
	if err != nil {
		return err
	}
	if hasEntity(fc, entity.ID) {
		return nil // already present
	}

	fc.Entities = append(fc.Entities, entity)

	var touched []*CustomerEntitlement
	for _, ce := range fc.CusEnts() {
		if ce.EntityScoped() && ce.Entitlement.EntityFeatureID == entity.FeatureID {
			if ce.Entities == nil {
				ce.Entities = make(map[string]*EntityBalance)
			}
			ce.Entities[entity.ID] = &EntityBalance{Balance: ce.Entitlement.Allowance}
			touched = append(touched, ce)
		}
	}

	versions, err := l.store.SaveEntities(ctx, customerID, fc.Entities, touched)
	if err != nil {
		return err
	}
	for _, ce := range touched {
		if v, ok := versions[ce.ID]; ok {
			ce.CacheVersion = v
		}
	}

	return l.cache.Set(ctx, customerID, fc)
}

// DeleteEntity removes an entity and its per-entity balance slices.
func (l *Ledger) DeleteEntity(ctx context.Context, customerID, entityID string) error {
	unlock := l.locks.Lock(customerID)
	defer unlock()

	fc, err := l.snapshot(ctx, customerID)
	if err != nil {
		return err
	}
	if !hasEntity(fc, entityID) {
		return ErrEntityNotFound
	}

	kept := fc.Entities[:0]
	for _, e := range fc.Entities {
		if e.ID != entityID {
			kept = append(kept, e)
		}
	}
	fc.Entities = kept

	var touched []*CustomerEntitlement
	for _, ce := range fc.CusEnts() {
		if _, ok := ce.Entities[entityID]; ok {
			delete(ce.Entities, entityID)
			touched = append(touched, ce)
		}
	}

	versions, err := l.store.SaveEntities(ctx, customerID, fc.Entities, touched)
	if err != nil {
		return err
	}
	for _, ce := range touched {
		if v, ok := versions[ce.ID]; ok {
			ce.CacheVersion = v
		}
	}

	return l.cache.Set(ctx, customerID, fc)
}

// CreateCustomer registers a customer in the store.
func (l *Ledger) CreateCustomer(ctx context.Context, customer Customer) error {
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	return l.store.CreateCustomer(ctx, &FullCustomer{Customer: customer})
}

// AttachProduct creates the live cus-ents for a product attachment from its
// entitlement definitions and persists them. The cached snapshot is
// invalidated; the next read hydrates the new grants.
func (l *Ledger) AttachProduct(ctx context.Context, customerID, productID string, entitlements []*Entitlement) (*CustomerProduct, error) {
	now := time.Now().UTC()
	product := &CustomerProduct{
		ID:         uuid.NewString(),
		ProductID:  productID,
		CustomerID: customerID,
		Status:     "active",
		CreatedAt:  now,
	}
	for _, ent := range entitlements {
		product.CusEnts = append(product.CusEnts, NewCustomerEntitlement(ent, product.ID, now))
	}

	unlock := l.locks.Lock(customerID)
	defer unlock()

	if err := l.store.AttachProduct(ctx, customerID, product); err != nil {
		return nil, err
	}
	if err := l.cache.Invalidate(ctx, customerID); err != nil {
		l.config.Logger.Warn("cache invalidate failed after attach",
			CustomerField(customerID),
			ErrorField(err))
	}
	return product, nil
}

// NewCustomerEntitlement builds the live instance of a grant definition for
// a fresh attachment.
func NewCustomerEntitlement(ent *Entitlement, customerProductID string, now time.Time) *CustomerEntitlement {
	ce := &CustomerEntitlement{
		ID:                uuid.NewString(),
		CustomerProductID: customerProductID,
		FeatureID:         ent.FeatureID,
		Entitlement:       ent,
		CacheVersion:      1,
		CreatedAt:         now,
	}
	if ent.EntityFeatureID != "" {
		ce.Entities = make(map[string]*EntityBalance)
	} else {
		ce.Balance = ent.Allowance
	}
	if ent.Interval != IntervalLifetime {
		ms := epochMs(NextResetTime(now, ent.Interval, ent.IntervalCount))
		ce.NextResetAt = &ms
	}
	return ce
}

// scheduleSync queues reconciliation for the cus-ents and rollovers a
// deduction touched.
func (l *Ledger) scheduleSync(ctx context.Context, customerID string, res *DeductResult) {
	if len(res.Updates) == 0 {
		return
	}
	var cusEntIDs, rolloverIDs []string
	for id, u := range res.Updates {
		cusEntIDs = append(cusEntIDs, id)
		for rid := range u.Rollovers {
			rolloverIDs = append(rolloverIDs, rid)
		}
	}
	l.enqueueSync(ctx, customerID, cusEntIDs, rolloverIDs)
}

func filterCusEnts(cusEnts []*CustomerEntitlement, filter *SetBalanceFilter) []*CustomerEntitlement {
	if filter == nil {
		return cusEnts
	}
	var out []*CustomerEntitlement
	for _, ce := range cusEnts {
		if filter.CusEntID != "" && ce.ID != filter.CusEntID {
			continue
		}
		if filter.Interval != "" && (ce.Entitlement == nil || ce.Entitlement.Interval != filter.Interval) {
			continue
		}
		out = append(out, ce)
	}
	return out
}

func hasEntity(fc *FullCustomer, entityID string) bool {
	for _, e := range fc.Entities {
		if e.ID == entityID {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
