package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/subsentry/subsentry/internal/engine/entitlements"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

func entitlementsFixture(t *testing.T) (*adminFixture, http.HandlerFunc) {
	t.Helper()
	f := newAdminFixture(t)
	source := func() (*entitlements.Resolver, error) {
		catalog, err := entitlements.LoadCatalog(f.store)
		if err != nil {
			return nil, err
		}
		return entitlements.NewResolver(catalog), nil
	}
	return f, HandleResolveEntitlements(f.store, source)
}

func TestResolveEntitlements(t *testing.T) {
	f, handler := entitlementsFixture(t)

	org, _ := f.store.Get("org_ADMIN00001")
	org.PlanID = "pro"
	org.SubscriptionStatus = orgstore.StatusActive
	if err := f.store.Update(org); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec := httptest.NewRecorder()
	handler(rec, overrideRequest(http.MethodGet,
		"/admin/orgs/org_ADMIN00001/entitlements?feature=can_generate_documents&feature=can_fly&quota=max_seats&usage=9",
		"org_ADMIN00001", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OrgID     string          `json:"org_id"`
		PlanID    string          `json:"plan_id"`
		Operation string          `json:"operation_class"`
		Features  map[string]bool `json:"features"`
		Quota     *struct {
			Key    string `json:"key"`
			Usage  int64  `json:"usage"`
			Limit  int64  `json:"limit"`
			Result string `json:"result"`
		} `json:"quota"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Operation != string(entitlements.OpFull) {
		t.Errorf("operation = %q, want full", resp.Operation)
	}
	if !resp.Features["can_generate_documents"] {
		t.Error("plan feature should resolve true for an active org")
	}
	if resp.Features["can_fly"] {
		t.Error("unknown feature must resolve false")
	}
	if resp.Quota == nil {
		t.Fatal("quota response missing")
	}
	if resp.Quota.Limit != 10 || resp.Quota.Result != string(entitlements.QuotaSoftWarn) {
		t.Errorf("quota = %+v, want limit 10 soft_warn", resp.Quota)
	}
}

func TestResolveEntitlementsValidatesUsage(t *testing.T) {
	_, handler := entitlementsFixture(t)

	rec := httptest.NewRecorder()
	handler(rec, overrideRequest(http.MethodGet,
		"/admin/orgs/org_ADMIN00001/entitlements?quota=max_seats&usage=-3",
		"org_ADMIN00001", ""))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative usage status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, overrideRequest(http.MethodGet,
		"/admin/orgs/org_MISSING/entitlements", "org_MISSING", ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing org status = %d, want 404", rec.Code)
	}
}
