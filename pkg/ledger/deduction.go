package ledger

import (
	"sort"
	"time"
)

// DeductParams describes one deduction (or credit) to apply across the
// ordered grants covering a single feature.
type DeductParams struct {
	// CusEnts are the grants for one feature, already sorted by
	// SortCusEnts. The engine never mutates them.
	CusEnts []*CustomerEntitlement

	// Amount is the usage quantity to subtract. A negative amount is a
	// balance increase (reset refill, top-up) and bypasses the overage
	// guard entirely.
	Amount int64

	// EntityID targets one nested entity balance. Empty means
	// customer-scoped: entity-scoped grants are then walked entity by
	// entity in creation order.
	EntityID string

	// EntityOrder is the creation order of entity ids, used for the
	// sequential walk across entity balances.
	EntityOrder []string

	// AllowNegative lets the final source absorb any unsatisfied
	// remainder as overage. When false the deduction clamps at zero and
	// the excess is reported in DeductResult.Remaining.
	AllowNegative bool

	// Now is used to skip expired rollovers. Zero means time.Now.
	Now time.Time
}

// RolloverUpdate carries the new consumption state for one rollover record.
type RolloverUpdate struct {
	// Usage is the new top-level consumed amount (customer-scoped
	// rollovers).
	Usage int64

	// EntityUsage maps entity id to its new consumed amount
	// (entity-scoped rollovers).
	EntityUsage map[string]int64
}

// CusEntUpdate carries the new balances for one cus-ent. Nil pointer fields
// mean "unchanged".
type CusEntUpdate struct {
	Balance *int64

	// EntityBalances maps entity id to its new balance.
	EntityBalances map[string]int64

	// Rollovers maps rollover id to its new consumption state.
	Rollovers map[string]*RolloverUpdate

	// Deducted is the net amount taken from this cus-ent across all of
	// its sources (negative for credits).
	Deducted int64
}

// DeductResult is the outcome of a deduction run. The engine has no side
// effects; the caller persists the updates.
type DeductResult struct {
	// Updates is keyed by cus-ent id and only contains touched grants.
	Updates map[string]*CusEntUpdate

	// Remaining is the unsatisfied amount after all sources were
	// exhausted and overage was not permitted. Zero on full application.
	Remaining int64
}

// SortCusEnts returns the grants in deterministic deduction order:
//
//  1. customer-scoped grants before entity-scoped ones, so customer-level
//     balances are exhausted before per-entity balances are touched;
//  2. ascending next_reset_at, so the soonest-expiring balance is consumed
//     first and value is not wasted on a grant about to reset away
//     (lifetime grants sort last);
//  3. ties keep insertion order.
//
// The same order is used for usage tracking and admin set-balance.
func SortCusEnts(cusEnts []*CustomerEntitlement) []*CustomerEntitlement {
	sorted := make([]*CustomerEntitlement, len(cusEnts))
	copy(sorted, cusEnts)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.EntityScoped() != b.EntityScoped() {
			return !a.EntityScoped()
		}
		switch {
		case a.NextResetAt == nil && b.NextResetAt == nil:
			return false
		case a.NextResetAt == nil:
			return false
		case b.NextResetAt == nil:
			return true
		default:
			return *a.NextResetAt < *b.NextResetAt
		}
	})

	return sorted
}

// Deduct applies a usage delta across the ordered grants without mutating
// them. Rollovers are consumed first (oldest first), then the grant's own
// balance, taking min(available, remaining) from each source until the
// amount is satisfied or sources run out.
func Deduct(params DeductParams) *DeductResult {
	res := &DeductResult{Updates: make(map[string]*CusEntUpdate)}
	if params.Amount == 0 {
		return res
	}
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}

	d := &deduction{
		params: params,
		res:    res,
	}

	if params.Amount < 0 {
		d.credit(-params.Amount)
		return res
	}

	d.remaining = params.Amount
	for _, ce := range params.CusEnts {
		if d.remaining <= 0 {
			break
		}
		d.deductFrom(ce)
	}

	if d.remaining > 0 && params.AllowNegative {
		d.absorbOverage()
	}

	res.Remaining = d.remaining
	return res
}

// deduction tracks the walk state across sources.
type deduction struct {
	params    DeductParams
	res       *DeductResult
	remaining int64

	// last balance source touched or seen, used to absorb overage
	lastCusEnt   *CustomerEntitlement
	lastEntityID string
}

func (d *deduction) update(ce *CustomerEntitlement) *CusEntUpdate {
	u, ok := d.res.Updates[ce.ID]
	if !ok {
		u = &CusEntUpdate{}
		d.res.Updates[ce.ID] = u
	}
	return u
}

// deductFrom walks one grant's sources in order.
func (d *deduction) deductFrom(ce *CustomerEntitlement) {
	if ce.EntityScoped() {
		if d.params.EntityID != "" {
			if _, ok := ce.Entities[d.params.EntityID]; ok {
				d.deductEntity(ce, d.params.EntityID)
			}
			return
		}
		// Customer-scoped deduction against an entity-scoped grant walks
		// entities sequentially in creation order.
		for _, entityID := range d.entityWalkOrder(ce) {
			if d.remaining <= 0 {
				return
			}
			d.deductEntity(ce, entityID)
		}
		return
	}

	// Customer-scoped grant: shared balance regardless of target entity.
	d.deductRollovers(ce, "")
	d.deductBalance(ce, "")
}

func (d *deduction) deductEntity(ce *CustomerEntitlement, entityID string) {
	d.deductRollovers(ce, entityID)
	d.deductBalance(ce, entityID)
}

// entityWalkOrder yields the grant's entity ids in creation order, appending
// any ids the caller did not order (stable on map-independent input).
func (d *deduction) entityWalkOrder(ce *CustomerEntitlement) []string {
	seen := make(map[string]bool, len(ce.Entities))
	var order []string
	for _, id := range d.params.EntityOrder {
		if _, ok := ce.Entities[id]; ok && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(ce.Entities))
	for id := range ce.Entities {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return append(order, ids...)
}

// deductRollovers consumes the grant's rollovers oldest-first.
func (d *deduction) deductRollovers(ce *CustomerEntitlement, entityID string) {
	for _, r := range sortRollovers(ce.Rollovers) {
		if d.remaining <= 0 {
			return
		}
		if r.Expired(d.params.Now) {
			continue
		}

		if entityID != "" {
			reb, ok := r.Entities[entityID]
			if !ok {
				continue
			}
			usage := d.rolloverEntityUsage(ce, r, entityID, reb.Usage)
			usable := reb.Balance - usage
			if usable <= 0 {
				continue
			}
			take := minInt64(usable, d.remaining)
			d.setRolloverEntityUsage(ce, r, entityID, usage+take)
			d.remaining -= take
			d.update(ce).Deducted += take
			continue
		}

		usage := d.rolloverUsage(ce, r)
		usable := r.Balance - usage
		if usable <= 0 {
			continue
		}
		take := minInt64(usable, d.remaining)
		d.setRolloverUsage(ce, r, usage+take)
		d.remaining -= take
		d.update(ce).Deducted += take
	}
}

// deductBalance consumes the grant's own balance (or one entity's).
func (d *deduction) deductBalance(ce *CustomerEntitlement, entityID string) {
	d.lastCusEnt = ce
	d.lastEntityID = entityID

	if d.remaining <= 0 {
		return
	}

	current := d.balance(ce, entityID)
	available := current
	if available < 0 {
		available = 0
	}
	take := minInt64(available, d.remaining)
	if take == 0 {
		return
	}
	d.setBalance(ce, entityID, current-take)
	d.remaining -= take
	d.update(ce).Deducted += take
}

// absorbOverage pushes the unsatisfied remainder into the final balance
// source so it goes negative by exactly the shortfall. Grants that permit
// overage are preferred; otherwise the last source walked absorbs it.
func (d *deduction) absorbOverage() {
	ce, entityID := d.lastCusEnt, d.lastEntityID
	for i := len(d.params.CusEnts) - 1; i >= 0; i-- {
		cand := d.params.CusEnts[i]
		if cand.Entitlement != nil && cand.Entitlement.UsageAllowed {
			ce = cand
			entityID = ""
			if cand.EntityScoped() {
				entityID = d.params.EntityID
				if entityID == "" {
					if order := d.entityWalkOrder(cand); len(order) > 0 {
						entityID = order[len(order)-1]
					}
				}
			}
			break
		}
	}
	if ce == nil {
		return
	}
	if ce.EntityScoped() && entityID == "" {
		return
	}

	current := d.balance(ce, entityID)
	d.setBalance(ce, entityID, current-d.remaining)
	d.update(ce).Deducted += d.remaining
	d.remaining = 0
}

// credit adds amount back to the first grant in order, without any guard.
func (d *deduction) credit(amount int64) {
	if len(d.params.CusEnts) == 0 {
		return
	}
	ce := d.params.CusEnts[0]
	entityID := ""
	if ce.EntityScoped() {
		entityID = d.params.EntityID
		if entityID == "" {
			if order := d.entityWalkOrder(ce); len(order) > 0 {
				entityID = order[0]
			}
		}
		if entityID == "" {
			return
		}
	}
	current := d.balance(ce, entityID)
	d.setBalance(ce, entityID, current+amount)
	d.update(ce).Deducted -= amount
}

// --- effective-value accessors (pending updates shadow the originals) ---

func (d *deduction) balance(ce *CustomerEntitlement, entityID string) int64 {
	if u, ok := d.res.Updates[ce.ID]; ok {
		if entityID == "" {
			if u.Balance != nil {
				return *u.Balance
			}
		} else if u.EntityBalances != nil {
			if b, ok := u.EntityBalances[entityID]; ok {
				return b
			}
		}
	}
	if entityID == "" {
		return ce.Balance
	}
	if eb, ok := ce.Entities[entityID]; ok {
		return eb.Balance
	}
	return 0
}

func (d *deduction) setBalance(ce *CustomerEntitlement, entityID string, v int64) {
	u := d.update(ce)
	if entityID == "" {
		u.Balance = &v
		return
	}
	if u.EntityBalances == nil {
		u.EntityBalances = make(map[string]int64)
	}
	u.EntityBalances[entityID] = v
}

func (d *deduction) rolloverUpdate(ce *CustomerEntitlement, r *Rollover) *RolloverUpdate {
	u := d.update(ce)
	if u.Rollovers == nil {
		u.Rollovers = make(map[string]*RolloverUpdate)
	}
	ru, ok := u.Rollovers[r.ID]
	if !ok {
		ru = &RolloverUpdate{Usage: r.Usage}
		u.Rollovers[r.ID] = ru
	}
	return ru
}

func (d *deduction) rolloverUsage(ce *CustomerEntitlement, r *Rollover) int64 {
	if u, ok := d.res.Updates[ce.ID]; ok && u.Rollovers != nil {
		if ru, ok := u.Rollovers[r.ID]; ok {
			return ru.Usage
		}
	}
	return r.Usage
}

func (d *deduction) setRolloverUsage(ce *CustomerEntitlement, r *Rollover, v int64) {
	d.rolloverUpdate(ce, r).Usage = v
}

func (d *deduction) rolloverEntityUsage(ce *CustomerEntitlement, r *Rollover, entityID string, orig int64) int64 {
	if u, ok := d.res.Updates[ce.ID]; ok && u.Rollovers != nil {
		if ru, ok := u.Rollovers[r.ID]; ok && ru.EntityUsage != nil {
			if v, ok := ru.EntityUsage[entityID]; ok {
				return v
			}
		}
	}
	return orig
}

func (d *deduction) setRolloverEntityUsage(ce *CustomerEntitlement, r *Rollover, entityID string, v int64) {
	ru := d.rolloverUpdate(ce, r)
	if ru.EntityUsage == nil {
		ru.EntityUsage = make(map[string]int64)
	}
	ru.EntityUsage[entityID] = v
}

// sortRollovers orders rollovers oldest-first by expiry; records without an
// expiry keep their creation order at the end.
func sortRollovers(rollovers []*Rollover) []*Rollover {
	sorted := make([]*Rollover, len(rollovers))
	copy(sorted, rollovers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt != nil:
			return *a.ExpiresAt < *b.ExpiresAt
		case a.ExpiresAt != nil:
			return true
		default:
			return false
		}
	})
	return sorted
}

// ApplyDeduction writes a deduction result into the snapshot. Callers hold
// the per-customer lock.
func ApplyDeduction(fc *FullCustomer, res *DeductResult) {
	for cusEntID, u := range res.Updates {
		ce := fc.CusEntByID(cusEntID)
		if ce == nil {
			continue
		}
		if u.Balance != nil {
			ce.Balance = *u.Balance
		}
		for entityID, b := range u.EntityBalances {
			if eb, ok := ce.Entities[entityID]; ok {
				eb.Balance = b
			}
		}
		for rolloverID, ru := range u.Rollovers {
			r := ce.rolloverByID(rolloverID)
			if r == nil {
				continue
			}
			if ru.EntityUsage != nil {
				for entityID, usage := range ru.EntityUsage {
					if reb, ok := r.Entities[entityID]; ok {
						reb.Usage = usage
					}
				}
				continue
			}
			r.Usage = ru.Usage
		}
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
