package ledger

import "time"

// FeatureBalance is the canonical, externally visible balance shape for one
// feature. API-version adapters translate this into their own wire formats;
// the shape itself is frozen.
type FeatureBalance struct {
	FeatureID string

	// Unlimited is true when any contributing grant is uncapped. Numeric
	// fields are advisory only in that case.
	Unlimited bool

	// UsageAllowed is true when any contributing grant permits overage.
	UsageAllowed bool

	// Granted is the sum of original allowances (including carried
	// rollover amounts), independent of consumption.
	Granted int64

	// Purchased is the sum of prepaid/top-up quantities layered on top of
	// Granted.
	Purchased int64

	// Current is the sum of live balances, adjustments and unused
	// rollover remainders.
	Current int64

	// Usage is always Granted + Purchased - Current, reconstructed rather
	// than stored so the three fields can never drift apart.
	Usage int64

	// NextResetAt is the soonest reset boundary across contributing
	// grants, in epoch ms; nil when all grants are lifetime.
	NextResetAt *int64
}

// GrantBalance is one breakdown entry: the same formula scoped to a single
// cus-ent plus its rollovers. Admin UIs use it to edit individual grants.
type GrantBalance struct {
	CusEntID    string
	FeatureID   string
	Interval    ResetInterval
	Granted     int64
	Purchased   int64
	Current     int64
	Usage       int64
	NextResetAt *int64
}

// ComputeBalance computes the aggregate balance for a feature from its
// grants. With an entityID, only that entity's nested balances plus balances
// inherited from customer-scoped grants contribute.
func ComputeBalance(cusEnts []*CustomerEntitlement, featureID, entityID string) *FeatureBalance {
	return computeBalanceAt(cusEnts, featureID, entityID, time.Now().UTC())
}

func computeBalanceAt(cusEnts []*CustomerEntitlement, featureID, entityID string, now time.Time) *FeatureBalance {
	fb := &FeatureBalance{FeatureID: featureID}

	for _, ce := range cusEnts {
		if ce.FeatureID != featureID {
			continue
		}
		ent := ce.Entitlement
		if ent == nil {
			continue
		}
		if ent.Unlimited {
			fb.Unlimited = true
		}
		if ent.UsageAllowed {
			fb.UsageAllowed = true
		}

		gb := grantBalanceAt(ce, entityID, now)
		if gb == nil {
			continue
		}
		fb.Granted += gb.Granted
		fb.Purchased += gb.Purchased
		fb.Current += gb.Current

		if ce.NextResetAt != nil && (fb.NextResetAt == nil || *ce.NextResetAt < *fb.NextResetAt) {
			v := *ce.NextResetAt
			fb.NextResetAt = &v
		}
	}

	fb.Usage = fb.Granted + fb.Purchased - fb.Current
	return fb
}

// ComputeBreakdown returns one entry per contributing grant, in the grants'
// insertion order. Summing the entries' Current always equals the aggregate
// Current from ComputeBalance.
func ComputeBreakdown(cusEnts []*CustomerEntitlement, featureID, entityID string) []*GrantBalance {
	return computeBreakdownAt(cusEnts, featureID, entityID, time.Now().UTC())
}

func computeBreakdownAt(cusEnts []*CustomerEntitlement, featureID, entityID string, now time.Time) []*GrantBalance {
	var out []*GrantBalance
	for _, ce := range cusEnts {
		if ce.FeatureID != featureID || ce.Entitlement == nil {
			continue
		}
		if gb := grantBalanceAt(ce, entityID, now); gb != nil {
			out = append(out, gb)
		}
	}
	return out
}

// grantBalanceAt computes one cus-ent's contribution. Returns nil when the
// grant cannot contribute to the requested scope (entity-scoped grant that
// does not hold the entity).
func grantBalanceAt(ce *CustomerEntitlement, entityID string, now time.Time) *GrantBalance {
	ent := ce.Entitlement
	gb := &GrantBalance{
		CusEntID:  ce.ID,
		FeatureID: ce.FeatureID,
		Interval:  ent.Interval,
	}
	if ce.NextResetAt != nil {
		v := *ce.NextResetAt
		gb.NextResetAt = &v
	}

	switch {
	case !ce.EntityScoped():
		// Customer-scoped grants contribute to both customer reads and
		// entity reads (inherited balance).
		gb.Granted = ent.Allowance
		gb.Purchased = ce.Purchased
		gb.Current = ce.Balance + ce.Adjustment
		carried, remainder := rolloverTotals(ce.Rollovers, "", now)
		gb.Granted += carried
		gb.Current += remainder

	case entityID != "":
		eb, ok := ce.Entities[entityID]
		if !ok {
			return nil
		}
		gb.Granted = ent.Allowance
		gb.Current = eb.Balance + eb.Adjustment
		carried, remainder := rolloverTotals(ce.Rollovers, entityID, now)
		gb.Granted += carried
		gb.Current += remainder

	default:
		// Entity-scoped grant read at the customer level: sum all entity
		// slices for aggregate reporting.
		gb.Granted = ent.Allowance * int64(len(ce.Entities))
		gb.Purchased = ce.Purchased
		for _, eb := range ce.Entities {
			gb.Current += eb.Balance + eb.Adjustment
		}
		for _, r := range ce.Rollovers {
			if r.Expired(now) {
				continue
			}
			for _, reb := range r.Entities {
				gb.Granted += reb.Balance
				gb.Current += reb.Balance - reb.Usage
			}
		}
	}

	gb.Usage = gb.Granted + gb.Purchased - gb.Current
	return gb
}

// rolloverTotals sums the carried amount and the unused remainder across
// non-expired rollovers, scoped to one entity when entityID is set.
func rolloverTotals(rollovers []*Rollover, entityID string, now time.Time) (carried, remainder int64) {
	for _, r := range rollovers {
		if r.Expired(now) {
			continue
		}
		if entityID != "" {
			if reb, ok := r.Entities[entityID]; ok {
				carried += reb.Balance
				remainder += reb.Balance - reb.Usage
			}
			continue
		}
		if len(r.Entities) > 0 {
			continue
		}
		carried += r.Balance
		remainder += r.Balance - r.Usage
	}
	return carried, remainder
}

// FeatureUsage returns the cumulative usage for one feature, the quantity
// the usage-limit ceiling in Track is enforced against.
func FeatureUsage(cusEnts []*CustomerEntitlement, featureID, entityID string) int64 {
	return ComputeBalance(cusEnts, featureID, entityID).Usage
}

// UsageLimit returns the configured hard usage ceiling across the feature's
// grants, summing per-grant limits the way allowances are summed. The second
// return is false when no grant configures a limit.
func UsageLimit(cusEnts []*CustomerEntitlement, featureID string) (int64, bool) {
	var limit int64
	found := false
	for _, ce := range cusEnts {
		if ce.FeatureID != featureID || ce.Entitlement == nil {
			continue
		}
		if ce.Entitlement.UsageLimit != nil {
			limit += *ce.Entitlement.UsageLimit
			found = true
		}
	}
	return limit, found
}
