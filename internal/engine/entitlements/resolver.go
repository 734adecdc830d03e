package entitlements

import (
	"time"

	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// QuotaResult is the outcome of a quota check.
type QuotaResult string

const (
	QuotaAllowed  QuotaResult = "allowed"
	QuotaSoftWarn QuotaResult = "soft_warn" // within 90% of the limit
	QuotaExceeded QuotaResult = "exceeded"
)

// DefaultWriteGated lists the features that create or mutate resources
// and therefore require a fully paid status. Everything else is treated
// as read-safe and survives past_due/unpaid in degraded mode.
var DefaultWriteGated = map[string]bool{
	"can_generate_documents": true,
	"can_export_word":        true,
	"can_invite_members":     true,
	"can_use_custom_domain":  true,
}

// Resolver answers feature and quota questions for an organization
// against a catalog snapshot. Pure: no I/O, no clock besides the one
// passed in.
type Resolver struct {
	catalog    *Catalog
	writeGated map[string]bool
	now        func() time.Time
}

// NewResolver creates a resolver over the given catalog snapshot.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{
		catalog:    catalog,
		writeGated: DefaultWriteGated,
		now:        time.Now,
	}
}

// WithWriteGated replaces the write-gated feature set. Intended for
// products with a different feature taxonomy and for tests.
func (r *Resolver) WithWriteGated(gated map[string]bool) *Resolver {
	r.writeGated = gated
	return r
}

// WithClock replaces the clock. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// FeatureEnabled reports whether featureKey is allowed for the
// organization: granted by the plan's feature map or an org override,
// unknown features resolve to false. The grant alone settles read-safe
// features, so a delinquent or never-subscribed customer can still see
// what they have. Write-gated features additionally require a status
// that permits full operations.
func (r *Resolver) FeatureEnabled(org *orgstore.Organization, featureKey string) bool {
	if r == nil || org == nil || featureKey == "" {
		return false
	}

	plan := r.catalog.Plan(org.PlanID)
	enabled := plan.Features[featureKey]
	if override, ok := org.FeatureOverrides[featureKey]; ok {
		enabled = override
	}
	if !enabled {
		return false
	}

	if r.writeGated[featureKey] {
		return BehaviorFor(org, r.now()).Operations == OpFull
	}
	return true
}

// PlanFor returns the catalog plan the organization resolves to,
// falling back to the free tier for unknown plan ids.
func (r *Resolver) PlanFor(org *orgstore.Organization) *orgstore.Plan {
	if r == nil || org == nil {
		return nil
	}
	return r.catalog.Plan(org.PlanID)
}

// CheckQuota compares current usage against the plan's limit for
// quotaKey. The unlimited sentinel always allows; unknown plan ids
// resolve to the free tier; unknown quota keys fail closed.
func (r *Resolver) CheckQuota(org *orgstore.Organization, quotaKey string, currentUsage int64) QuotaResult {
	if r == nil || org == nil {
		return QuotaExceeded
	}

	plan := r.catalog.Plan(org.PlanID)
	limit, ok := plan.Quota(quotaKey)
	if !ok {
		return QuotaExceeded
	}
	if limit == orgstore.UnlimitedQuota {
		return QuotaAllowed
	}
	if currentUsage >= limit {
		return QuotaExceeded
	}
	if currentUsage*10 >= limit*9 {
		return QuotaSoftWarn
	}
	return QuotaAllowed
}
