// Package entitlements resolves a tenant's plan and subscription status
// into allow/deny decisions for features and quotas.
package entitlements

import (
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// FreePlanID is the catalog id every unknown plan resolves to.
const FreePlanID = "free"

// freePlan is the fail-closed fallback when a referenced plan id is
// absent from the catalog.
var freePlan = orgstore.Plan{
	ID:         FreePlanID,
	Name:       "Free",
	MaxSeats:   1,
	MonthlyOps: 20,
	StorageMB:  100,
	Features:   map[string]bool{},
}

// Catalog is a read-only snapshot of the plan catalog, injected into the
// resolver so decisions are reproducible against fixture catalogs.
type Catalog struct {
	plans map[string]*orgstore.Plan
}

// NewCatalog builds a snapshot from a list of plans.
func NewCatalog(plans []*orgstore.Plan) *Catalog {
	m := make(map[string]*orgstore.Plan, len(plans))
	for _, p := range plans {
		if p != nil && p.ID != "" {
			m[p.ID] = p
		}
	}
	return &Catalog{plans: m}
}

// PlanLister is the slice of the organization store the catalog loads from.
type PlanLister interface {
	ListPlans() ([]*orgstore.Plan, error)
}

// LoadCatalog snapshots the current plan catalog from the store.
func LoadCatalog(src PlanLister) (*Catalog, error) {
	plans, err := src.ListPlans()
	if err != nil {
		return nil, err
	}
	return NewCatalog(plans), nil
}

// Plan resolves a plan id, falling back to the free tier for unknown ids.
// Never returns nil.
func (c *Catalog) Plan(id string) *orgstore.Plan {
	if c != nil {
		if p, ok := c.plans[id]; ok {
			return p
		}
		// An operator-defined free plan wins over the built-in fallback.
		if p, ok := c.plans[FreePlanID]; ok {
			return p
		}
	}
	return &freePlan
}
