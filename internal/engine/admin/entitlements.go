package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/subsentry/subsentry/internal/engine/entitlements"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// CatalogSource rebuilds a resolver from the current plan catalog. The
// snapshot handed to each request never changes under it.
type CatalogSource func() (*entitlements.Resolver, error)

type entitlementResponse struct {
	OrgID     string                      `json:"org_id"`
	PlanID    string                      `json:"plan_id"`
	Status    orgstore.SubscriptionStatus `json:"status"`
	Operation entitlements.OperationClass `json:"operation_class"`
	Features  map[string]bool             `json:"features,omitempty"`
	Quota     *quotaResponse              `json:"quota,omitempty"`
}

type quotaResponse struct {
	Key    string                   `json:"key"`
	Usage  int64                    `json:"usage"`
	Limit  int64                    `json:"limit"`
	Result entitlements.QuotaResult `json:"result"`
}

// HandleResolveEntitlements returns a handler that evaluates features
// and quotas for one organization against a fresh catalog snapshot.
// Query parameters: feature (repeatable), quota, usage.
func HandleResolveEntitlements(store *orgstore.Store, source CatalogSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		org, ok := loadOrg(w, r, store)
		if !ok {
			return
		}
		resolver, err := source()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := entitlementResponse{
			OrgID:     org.ID,
			PlanID:    org.PlanID,
			Status:    org.SubscriptionStatus,
			Operation: entitlements.BehaviorFor(org, time.Now().UTC()).Operations,
		}

		if features := r.URL.Query()["feature"]; len(features) > 0 {
			resp.Features = make(map[string]bool, len(features))
			for _, f := range features {
				f = strings.TrimSpace(f)
				if f == "" {
					continue
				}
				resp.Features[f] = resolver.FeatureEnabled(org, f)
			}
		}

		if quotaKey := strings.TrimSpace(r.URL.Query().Get("quota")); quotaKey != "" {
			usage, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("usage")), 10, 64)
			if err != nil || usage < 0 {
				writeError(w, http.StatusBadRequest, "usage must be a non-negative integer")
				return
			}
			limit := int64(0)
			if plan := resolver.PlanFor(org); plan != nil {
				if v, known := plan.Quota(quotaKey); known {
					limit = v
				}
			}
			resp.Quota = &quotaResponse{
				Key:    quotaKey,
				Usage:  usage,
				Limit:  limit,
				Result: resolver.CheckQuota(org, quotaKey, usage),
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
