package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subsentry/subsentry/internal/engine/admin"
	"github.com/subsentry/subsentry/internal/engine/entitlements"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
	enginestripe "github.com/subsentry/subsentry/internal/engine/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *Config
	Store        *orgstore.Store
	Synchronizer *enginestripe.Synchronizer
	Version      string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Store, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := enginestripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Store, deps.Synchronizer)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Resolvers see a catalog snapshot loaded per request; catalog edits
	// through the admin surface become visible on the next load.
	catalogSource := admin.CatalogSource(func() (*entitlements.Resolver, error) {
		catalog, err := entitlements.LoadCatalog(deps.Store)
		if err != nil {
			return nil, err
		}
		return entitlements.NewResolver(catalog), nil
	})

	// Admin API (key-authenticated)
	orgsCollection := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			admin.HandleListOrgs(deps.Store)(w, r)
		case http.MethodPost:
			admin.HandleCreateOrg(deps.Store)(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/admin/orgs", adminAuth(orgsCollection))
	mux.Handle("/admin/orgs/{id}", adminAuth(admin.HandleGetOrg(deps.Store)))
	mux.Handle("/admin/orgs/{id}/plan", adminAuth(admin.HandleSetOrgPlan(deps.Store)))
	mux.Handle("/admin/orgs/{id}/status", adminAuth(admin.HandleSetOrgStatus(deps.Store)))
	mux.Handle("/admin/orgs/{id}/features", adminAuth(admin.HandleSetOrgFeature(deps.Store)))
	mux.Handle("/admin/orgs/{id}/entitlements", adminAuth(admin.HandleResolveEntitlements(deps.Store, catalogSource)))

	plansCollection := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			admin.HandleListPlans(deps.Store)(w, r)
		case http.MethodPost, http.MethodPut:
			admin.HandleUpsertPlan(deps.Store)(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/admin/plans", adminAuth(plansCollection))
	mux.Handle("/admin/plans/{id}/quotas", adminAuth(admin.HandleSetPlanQuota(deps.Store)))
	mux.Handle("/admin/plans/{id}/prices", adminAuth(admin.HandleListPrices(deps.Store)))
	mux.Handle("/admin/prices", adminAuth(admin.HandleUpsertPrice(deps.Store)))

	mux.Handle("/admin/audit", adminAuth(admin.HandleQueryAudit()))
}
