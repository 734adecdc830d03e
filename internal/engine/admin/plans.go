package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// HandleListPlans returns a handler that lists the plan catalog.
func HandleListPlans(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		plans, err := store.ListPlans()
		if err != nil {
			log.Error().Err(err).Msg("Admin: list plans failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if plans == nil {
			plans = []*orgstore.Plan{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"plans": plans,
			"count": len(plans),
		})
	}
}

// HandleUpsertPlan returns a handler that creates or replaces a catalog
// plan. Changes become visible to resolvers on their next catalog reload.
func HandleUpsertPlan(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var plan orgstore.Plan
		if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		plan.ID = strings.TrimSpace(plan.ID)
		if plan.ID == "" {
			writeError(w, http.StatusBadRequest, "plan id is required")
			return
		}
		if plan.MaxSeats < orgstore.UnlimitedQuota || plan.MonthlyOps < orgstore.UnlimitedQuota || plan.StorageMB < orgstore.UnlimitedQuota {
			writeError(w, http.StatusBadRequest, "quotas must be >= -1")
			return
		}

		existing, err := store.GetPlan(plan.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if err := store.UpsertPlan(&plan); err != nil {
			log.Error().Err(err).Str("plan_id", plan.ID).Msg("Admin: upsert plan failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		var before any
		action := "create_plan"
		if existing != nil {
			action = "update_plan"
			before = existing
		}
		recordOverride(r, "", overrideDetails{
			Action: action,
			Field:  plan.ID,
			Before: before,
			After:  plan,
		})
		writeJSON(w, http.StatusOK, &plan)
	}
}

// HandleUpsertPrice returns a handler that maps a provider price to a
// catalog plan.
func HandleUpsertPrice(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var price orgstore.Price
		if err := json.NewDecoder(r.Body).Decode(&price); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		price.ID = strings.TrimSpace(price.ID)
		price.PlanID = strings.TrimSpace(price.PlanID)
		if price.ID == "" || price.PlanID == "" {
			writeError(w, http.StatusBadRequest, "price id and plan_id are required")
			return
		}

		plan, err := store.GetPlan(price.PlanID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if plan == nil {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}
		if err := store.UpsertPrice(&price); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		recordOverride(r, "", overrideDetails{
			Action: "upsert_price",
			Field:  price.ID,
			After:  price,
		})
		writeJSON(w, http.StatusOK, &price)
	}
}

// HandleListPrices returns a handler that lists the prices of one plan.
func HandleListPrices(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		planID := strings.TrimSpace(r.PathValue("id"))
		prices, err := store.ListPricesByPlan(planID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if prices == nil {
			prices = []*orgstore.Price{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"prices": prices,
			"count":  len(prices),
		})
	}
}
