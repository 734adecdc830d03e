// Package admin is the privileged override surface. Every successful
// mutation here writes exactly one audit record with before and after
// values.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("engine.admin: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || key != adminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleListOrgs returns a handler that lists organizations, optionally
// filtered by subscription status.
func HandleListOrgs(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

		var orgs []*orgstore.Organization
		var err error
		if statusFilter != "" {
			orgs, err = store.ListByStatus(orgstore.SubscriptionStatus(statusFilter))
		} else {
			orgs, err = store.List()
		}
		if err != nil {
			log.Error().Err(err).Msg("Admin: list organizations failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if orgs == nil {
			orgs = []*orgstore.Organization{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"organizations": orgs,
			"count":         len(orgs),
		})
	}
}

type createOrgRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	PlanID string `json:"plan_id"`
}

// HandleCreateOrg returns a handler that registers a new organization.
func HandleCreateOrg(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req createOrgRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		planID := strings.TrimSpace(req.PlanID)
		if planID != "" {
			plan, err := store.GetPlan(planID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if plan == nil {
				writeError(w, http.StatusBadRequest, "unknown plan")
				return
			}
		}

		id, err := orgstore.GenerateOrgID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		org := &orgstore.Organization{
			ID:                 id,
			Name:               req.Name,
			Email:              req.Email,
			PlanID:             planID,
			SubscriptionStatus: orgstore.StatusNone,
		}
		if err := store.Create(org); err != nil {
			log.Error().Err(err).Str("org_id", id).Msg("Admin: create organization failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		log.Info().Str("org_id", id).Str("name", req.Name).Msg("Organization created")
		writeJSON(w, http.StatusCreated, org)
	}
}

// HandleGetOrg returns a handler that fetches one organization by id.
func HandleGetOrg(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		orgID := strings.TrimSpace(r.PathValue("id"))
		org, err := store.Get(orgID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if org == nil {
			writeError(w, http.StatusNotFound, "organization not found")
			return
		}
		writeJSON(w, http.StatusOK, org)
	}
}
