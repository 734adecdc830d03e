package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/billmetrics"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
	"github.com/subsentry/subsentry/pkg/audit"
)

type overrideDetails struct {
	Action string `json:"action"`
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// recordOverride writes the single audit record a successful admin
// mutation produces.
func recordOverride(r *http.Request, orgID string, details overrideDetails) {
	billmetrics.AdminOverridesTotal.WithLabelValues(details.Action).Inc()

	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte(`{"action":"` + details.Action + `"}`)
	}
	event := audit.NewEvent(audit.EventAdminOverride, actorID(r), orgID, true, string(payload))
	event.IP = clientIP(r)
	event.Path = requestPath(r)
	if err := audit.GetLogger().Log(event); err != nil {
		log.Error().Err(err).
			Str("org_id", orgID).
			Str("action", details.Action).
			Msg("Admin: failed to write audit record")
	}
}

type setPlanRequest struct {
	PlanID string `json:"plan_id"`
}

// HandleSetOrgPlan returns a handler that overrides an organization's
// plan assignment. The plan must exist in the catalog.
func HandleSetOrgPlan(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		org, ok := loadOrg(w, r, store)
		if !ok {
			return
		}

		var req setPlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		planID := strings.TrimSpace(req.PlanID)
		if planID == "" {
			writeError(w, http.StatusBadRequest, "plan_id is required")
			return
		}
		plan, err := store.GetPlan(planID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if plan == nil {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}

		before := org.PlanID
		if err := store.SetPlan(org.ID, planID); err != nil {
			log.Error().Err(err).Str("org_id", org.ID).Msg("Admin: plan override failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		org.PlanID = planID

		recordOverride(r, org.ID, overrideDetails{
			Action: "set_plan",
			Field:  "plan_id",
			Before: before,
			After:  planID,
		})
		writeJSON(w, http.StatusOK, org)
	}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// HandleSetOrgStatus returns a handler that force-sets an organization's
// subscription status, bypassing provider synchronization.
func HandleSetOrgStatus(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		org, ok := loadOrg(w, r, store)
		if !ok {
			return
		}

		var req setStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		status := orgstore.SubscriptionStatus(strings.TrimSpace(req.Status))
		if !orgstore.KnownStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown subscription status")
			return
		}

		before := org.SubscriptionStatus
		if err := store.SetStatus(org.ID, status); err != nil {
			log.Error().Err(err).Str("org_id", org.ID).Msg("Admin: status override failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		org.SubscriptionStatus = status

		recordOverride(r, org.ID, overrideDetails{
			Action: "set_status",
			Field:  "subscription_status",
			Before: string(before),
			After:  string(status),
		})
		writeJSON(w, http.StatusOK, org)
	}
}

type setFeatureRequest struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
	Clear   bool   `json:"clear"`
}

// HandleSetOrgFeature returns a handler that sets or clears a per-org
// feature override on top of the plan's feature set.
func HandleSetOrgFeature(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		org, ok := loadOrg(w, r, store)
		if !ok {
			return
		}

		var req setFeatureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		feature := strings.TrimSpace(req.Feature)
		if feature == "" {
			writeError(w, http.StatusBadRequest, "feature is required")
			return
		}

		var value *bool
		var after any
		if !req.Clear {
			value = &req.Enabled
			after = req.Enabled
		}
		prev, err := store.SetFeatureOverride(org.ID, feature, value)
		if err != nil {
			log.Error().Err(err).Str("org_id", org.ID).Msg("Admin: feature override failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		var before any
		if prev != nil {
			before = *prev
		}
		if req.Clear {
			delete(org.FeatureOverrides, feature)
		} else {
			if org.FeatureOverrides == nil {
				org.FeatureOverrides = map[string]bool{}
			}
			org.FeatureOverrides[feature] = req.Enabled
		}

		recordOverride(r, org.ID, overrideDetails{
			Action: "set_feature",
			Field:  feature,
			Before: before,
			After:  after,
		})
		writeJSON(w, http.StatusOK, org)
	}
}

type setQuotaRequest struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// HandleSetPlanQuota returns a handler that adjusts one numeric quota on
// a catalog plan. -1 means unlimited; other negative values are rejected.
func HandleSetPlanQuota(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		planID := strings.TrimSpace(r.PathValue("id"))
		plan, err := store.GetPlan(planID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if plan == nil {
			writeError(w, http.StatusNotFound, "plan not found")
			return
		}

		var req setQuotaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Value < orgstore.UnlimitedQuota {
			writeError(w, http.StatusBadRequest, "quota must be >= -1")
			return
		}

		before, known := plan.Quota(req.Key)
		if !known {
			writeError(w, http.StatusBadRequest, "unknown quota key")
			return
		}
		if err := plan.SetQuota(req.Key, req.Value); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := store.UpsertPlan(plan); err != nil {
			log.Error().Err(err).Str("plan_id", planID).Msg("Admin: quota override failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		recordOverride(r, "", overrideDetails{
			Action: "set_quota",
			Field:  planID + "." + req.Key,
			Before: before,
			After:  req.Value,
		})
		writeJSON(w, http.StatusOK, plan)
	}
}

// loadOrg resolves the {id} path value to an organization, answering the
// error response itself when it cannot.
func loadOrg(w http.ResponseWriter, r *http.Request, store *orgstore.Store) (*orgstore.Organization, bool) {
	orgID := strings.TrimSpace(r.PathValue("id"))
	org, err := store.Get(orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if org == nil {
		writeError(w, http.StatusNotFound, "organization not found")
		return nil, false
	}
	return org, true
}
