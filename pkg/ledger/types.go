package ledger

import (
	"time"
)

// FeatureType determines whether balance semantics apply to a feature.
type FeatureType string

const (
	// FeatureTypeBoolean represents an on/off capability with no balance
	FeatureTypeBoolean FeatureType = "boolean"

	// FeatureTypeMetered represents a consumable metered feature (messages, credits)
	FeatureTypeMetered FeatureType = "metered"

	// FeatureTypeContinuous represents a continuous-use metered feature (seats, workspaces)
	FeatureTypeContinuous FeatureType = "continuous"
)

// Feature is a billable capability identified by id.
type Feature struct {
	ID   string
	Name string
	Type FeatureType
}

// ResetInterval defines the cadence at which a grant's balance resets.
type ResetInterval string

const (
	// IntervalMonth resets on the attachment anniversary every month
	IntervalMonth ResetInterval = "month"
	// IntervalQuarter resets every three months
	IntervalQuarter ResetInterval = "quarter"
	// IntervalYear resets yearly
	IntervalYear ResetInterval = "year"
	// IntervalLifetime never resets (pre-paid packs, sign-up credits)
	IntervalLifetime ResetInterval = "lifetime"
)

// Months returns the interval length in months, or 0 for lifetime.
func (i ResetInterval) Months() int {
	switch i {
	case IntervalMonth:
		return 1
	case IntervalQuarter:
		return 3
	case IntervalYear:
		return 12
	default:
		return 0
	}
}

// RolloverConfig controls carry-over of unused balance across reset boundaries.
type RolloverConfig struct {
	// Max caps the amount carried into the next cycle. 0 means no cap.
	Max int64

	// ExpiryCycles is how many cycles a rollover stays usable. 0 means never expires.
	ExpiryCycles int
}

// Entitlement is a grant definition attached to a product. Immutable once
// attached except through product versioning.
type Entitlement struct {
	ID        string
	ProductID string
	FeatureID string

	// Allowance is the amount granted at the start of each cycle.
	Allowance int64

	// Interval is the reset cadence. IntervalLifetime grants never reset.
	Interval ResetInterval

	// IntervalCount multiplies the interval (e.g. every 3 months).
	IntervalCount int

	// Unlimited marks the feature as uncapped for this grant.
	Unlimited bool

	// UsageAllowed permits the balance to go negative (overage).
	UsageAllowed bool

	// UsageLimit is an optional hard ceiling on cumulative usage within a
	// cycle. It applies independently of UsageAllowed: overage may be
	// permitted up to this ceiling and rejected beyond it.
	UsageLimit *int64

	// EntityFeatureID scopes this grant to sub-customer entities (e.g. one
	// balance per seat). Empty for customer-scoped grants.
	EntityFeatureID string

	// Rollover enables carry-over of unused balance; nil disables it.
	Rollover *RolloverConfig
}

// EntityBalance is the per-entity slice of an entity-scoped grant.
type EntityBalance struct {
	Balance    int64
	Adjustment int64
}

// RolloverEntityBalance mirrors EntityBalance for rollover records.
type RolloverEntityBalance struct {
	Balance int64
	Usage   int64
}

// Rollover is unused balance carried from a prior cycle into the next.
// Its usable amount is Balance - Usage; once that reaches zero the record
// is inert but kept until data retention removes it.
type Rollover struct {
	ID       string
	CusEntID string

	// Balance is the amount carried at creation time.
	Balance int64

	// Usage is how much of the carried amount has been consumed.
	Usage int64

	// ExpiresAt is an epoch-ms expiry; nil means the rollover never expires.
	ExpiresAt *int64

	// Entities holds the per-entity breakdown for entity-scoped grants.
	Entities map[string]*RolloverEntityBalance
}

// Usable returns the remaining amount on this rollover.
func (r *Rollover) Usable() int64 {
	u := r.Balance - r.Usage
	if u < 0 {
		return 0
	}
	return u
}

// Expired reports whether the rollover has passed its expiry.
func (r *Rollover) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= now.UnixMilli()
}

// CustomerEntitlement is the live, mutable instance of an Entitlement for one
// customer-product attachment ("cus-ent").
type CustomerEntitlement struct {
	ID                string
	CustomerProductID string
	FeatureID         string
	Entitlement       *Entitlement

	// Balance is the customer-scoped remaining amount. May go negative when
	// the entitlement allows overage.
	Balance int64

	// Adjustment is a manual correction applied on top of the computed
	// balance, used for admin overrides.
	Adjustment int64

	// Purchased is the total of prepaid/top-up quantities layered on top of
	// the allowance, tracked separately so callers can distinguish
	// "included" from "bought".
	Purchased int64

	// Entities maps entity id to its independent balance slice when the
	// grant is entity-scoped. Per-entity balances are not required to sum
	// to Balance: Balance is the customer-scoped portion only.
	Entities map[string]*EntityBalance

	// NextResetAt is the next reset boundary in epoch ms; nil for lifetime.
	NextResetAt *int64

	// Rollovers are carried balances from previous cycles, consumed before
	// Balance during deduction (oldest first).
	Rollovers []*Rollover

	// CacheVersion is the optimistic-concurrency token. It is bumped only
	// by a successful durable write, never by cache mutations.
	CacheVersion int64

	CreatedAt time.Time
}

// EntityScoped reports whether this grant holds per-entity balances.
func (ce *CustomerEntitlement) EntityScoped() bool {
	return ce.Entitlement != nil && ce.Entitlement.EntityFeatureID != ""
}

// Rollover lookup by id; nil if absent.
func (ce *CustomerEntitlement) rolloverByID(id string) *Rollover {
	for _, r := range ce.Rollovers {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// CustomerProduct is one product attachment on a customer. Cancellation only
// changes Status; cus-ents are removed when the attachment itself is removed.
type CustomerProduct struct {
	ID         string
	ProductID  string
	CustomerID string
	Status     string
	CreatedAt  time.Time
	CusEnts    []*CustomerEntitlement
}

// Customer is the top-level billing account.
type Customer struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Entity is a sub-customer billing unit (one seat, one workspace) referenced
// by id from entity-scoped grants.
type Entity struct {
	ID        string
	FeatureID string
	Name      string
	CreatedAt time.Time
}

// FullCustomer is the denormalized cache unit: the customer plus every
// product attachment, cus-ent (with rollovers and entity slices) and entity.
// It is cached and reconciled as a whole, never partially.
type FullCustomer struct {
	Customer Customer
	Products []*CustomerProduct
	Entities []*Entity
}

// CusEnts returns every cus-ent across all product attachments in insertion
// order. The returned slice is freshly allocated; elements are shared.
func (fc *FullCustomer) CusEnts() []*CustomerEntitlement {
	var out []*CustomerEntitlement
	for _, p := range fc.Products {
		out = append(out, p.CusEnts...)
	}
	return out
}

// CusEntsForFeature returns the cus-ents covering one feature, in insertion
// order.
func (fc *FullCustomer) CusEntsForFeature(featureID string) []*CustomerEntitlement {
	var out []*CustomerEntitlement
	for _, p := range fc.Products {
		for _, ce := range p.CusEnts {
			if ce.FeatureID == featureID {
				out = append(out, ce)
			}
		}
	}
	return out
}

// CusEntByID returns the cus-ent with the given id, or nil.
func (fc *FullCustomer) CusEntByID(id string) *CustomerEntitlement {
	for _, p := range fc.Products {
		for _, ce := range p.CusEnts {
			if ce.ID == id {
				return ce
			}
		}
	}
	return nil
}

// EntityOrder returns entity ids in creation (insertion) order. Sequential
// deductions across entities walk this order.
func (fc *FullCustomer) EntityOrder() []string {
	ids := make([]string, 0, len(fc.Entities))
	for _, e := range fc.Entities {
		ids = append(ids, e.ID)
	}
	return ids
}

// Clone returns a deep copy of the snapshot. Mutation paths operate on the
// cached snapshot in place; clones isolate readers and sync extracts.
func (fc *FullCustomer) Clone() *FullCustomer {
	if fc == nil {
		return nil
	}
	out := &FullCustomer{Customer: fc.Customer}
	for _, p := range fc.Products {
		pc := *p
		pc.CusEnts = make([]*CustomerEntitlement, 0, len(p.CusEnts))
		for _, ce := range p.CusEnts {
			pc.CusEnts = append(pc.CusEnts, ce.clone())
		}
		out.Products = append(out.Products, &pc)
	}
	for _, e := range fc.Entities {
		ec := *e
		out.Entities = append(out.Entities, &ec)
	}
	return out
}

func (ce *CustomerEntitlement) clone() *CustomerEntitlement {
	c := *ce
	if ce.NextResetAt != nil {
		v := *ce.NextResetAt
		c.NextResetAt = &v
	}
	if ce.Entities != nil {
		c.Entities = make(map[string]*EntityBalance, len(ce.Entities))
		for id, eb := range ce.Entities {
			cp := *eb
			c.Entities[id] = &cp
		}
	}
	c.Rollovers = make([]*Rollover, 0, len(ce.Rollovers))
	for _, r := range ce.Rollovers {
		rc := *r
		if r.ExpiresAt != nil {
			v := *r.ExpiresAt
			rc.ExpiresAt = &v
		}
		if r.Entities != nil {
			rc.Entities = make(map[string]*RolloverEntityBalance, len(r.Entities))
			for id, reb := range r.Entities {
				cp := *reb
				rc.Entities[id] = &cp
			}
		}
		c.Rollovers = append(c.Rollovers, &rc)
	}
	return &c
}
