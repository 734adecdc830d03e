package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/subsentry/subsentry/internal/engine/dunning"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

const testWebhookSecret = "whsec_test_secret"

// captureNotifier records dunning notifications instead of sending email.
type captureNotifier struct {
	calls []dunning.FailedInvoice
	orgs  []*orgstore.Organization
}

func (c *captureNotifier) NotifyPaymentFailed(_ context.Context, org *orgstore.Organization, inv dunning.FailedInvoice) {
	c.orgs = append(c.orgs, org)
	c.calls = append(c.calls, inv)
}

type webhookFixture struct {
	handler  *WebhookHandler
	store    *orgstore.Store
	notifier *captureNotifier
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	store, err := orgstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	notifier := &captureNotifier{}
	sync := NewSynchronizer(store, nil, notifier, DefaultGracePeriod)
	return &webhookFixture{
		handler:  NewWebhookHandler(testWebhookSecret, store, sync),
		store:    store,
		notifier: notifier,
	}
}

func (f *webhookFixture) createOrg(t *testing.T, id string) {
	t.Helper()
	if err := f.store.Create(&orgstore.Organization{ID: id, Name: "Test Org", Email: "owner@test.example"}); err != nil {
		t.Fatalf("create org: %v", err)
	}
}

// signedWebhookRequest builds a POST with a valid Stripe signature over payload.
func signedWebhookRequest(t *testing.T, payload, secret string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func (f *webhookFixture) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedWebhookRequest(t, payload, testWebhookSecret))
	return rec
}

func eventJSON(id, eventType string, created int64, object string) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":%s}}`, id, eventType, created, object)
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	f := newWebhookFixture(t)
	payload := eventJSON("evt_sig", "invoice.paid", time.Now().Unix(), `{"id":"in_1"}`)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedWebhookRequest(t, payload, "whsec_wrong_secret"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("wrong secret status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(payload))
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing signature status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestWebhookRequiresConfiguredSecret(t *testing.T) {
	f := newWebhookFixture(t)
	f.handler.secret = ""
	payload := eventJSON("evt_nosecret", "invoice.paid", time.Now().Unix(), `{"id":"in_1"}`)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedWebhookRequest(t, payload, testWebhookSecret))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	f := newWebhookFixture(t)
	f.createOrg(t, "org_LIFE000001")
	base := time.Now().Unix()

	if err := f.store.UpsertPlan(&orgstore.Plan{ID: "pro", Name: "Pro", MaxSeats: 10, MonthlyOps: 1000, StorageMB: orgstore.UnlimitedQuota}); err != nil {
		t.Fatalf("upsert plan: %v", err)
	}
	if err := f.store.UpsertPrice(&orgstore.Price{ID: "price_pro_m", PlanID: "pro", AmountCents: 2900, Interval: "month"}); err != nil {
		t.Fatalf("upsert price: %v", err)
	}

	// Checkout links the customer to the organization.
	rec := f.deliver(t, eventJSON("evt_1", "checkout.session.completed", base,
		`{"id":"cs_1","mode":"subscription","customer":"cus_life","subscription":"sub_life","client_reference_id":"org_LIFE000001"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d, body = %s", rec.Code, rec.Body.String())
	}
	org, _ := f.store.Get("org_LIFE000001")
	if org.StripeCustomerID != "cus_life" {
		t.Fatalf("customer id = %q, want cus_life", org.StripeCustomerID)
	}

	// Subscription activates and carries the catalog price.
	rec = f.deliver(t, eventJSON("evt_2", "customer.subscription.updated", base+10,
		`{"id":"sub_life","customer":"cus_life","status":"active","current_period_end":`+
			fmt.Sprint(base+2592000)+`,"items":{"data":[{"price":{"id":"price_pro_m"}}]}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("subscription.updated status = %d", rec.Code)
	}
	org, _ = f.store.Get("org_LIFE000001")
	if org.SubscriptionStatus != orgstore.StatusActive {
		t.Fatalf("status = %q, want active", org.SubscriptionStatus)
	}
	if org.PlanID != "pro" {
		t.Errorf("plan = %q, want pro", org.PlanID)
	}
	if org.CurrentPeriodEnd == nil {
		t.Error("current period end not recorded")
	}

	// Payment failure moves to past_due, opens a grace window, and
	// notifies dunning after the status change commits.
	rec = f.deliver(t, eventJSON("evt_3", "invoice.payment_failed", base+20,
		`{"id":"in_fail","customer":"cus_life","subscription":"sub_life","attempt_count":2,"amount_due":2900,"currency":"usd","customer_email":"owner@test.example"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("payment_failed status = %d", rec.Code)
	}
	org, _ = f.store.Get("org_LIFE000001")
	if org.SubscriptionStatus != orgstore.StatusPastDue {
		t.Fatalf("status = %q, want past_due", org.SubscriptionStatus)
	}
	if org.GracePeriodEnd == nil {
		t.Fatal("grace window not opened")
	}
	wantGrace := time.Unix(base+20, 0).UTC().Add(DefaultGracePeriod)
	if !org.GracePeriodEnd.Equal(wantGrace) {
		t.Errorf("grace end = %v, want %v", org.GracePeriodEnd, wantGrace)
	}
	if len(f.notifier.calls) != 1 {
		t.Fatalf("dunning notifications = %d, want 1", len(f.notifier.calls))
	}
	if got := f.notifier.calls[0]; got.AttemptCount != 2 || got.InvoiceID != "in_fail" {
		t.Errorf("dunning invoice = %+v, want attempt 2 / in_fail", got)
	}
	if got := f.notifier.calls[0].PlanName; got != "Pro" {
		t.Errorf("dunning plan name = %q, want Pro", got)
	}

	// A stale event delivered out of order is acknowledged but discarded.
	rec = f.deliver(t, eventJSON("evt_late", "customer.subscription.updated", base+5,
		`{"id":"sub_life","customer":"cus_life","status":"trialing"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("stale event status = %d, want 200", rec.Code)
	}
	org, _ = f.store.Get("org_LIFE000001")
	if org.SubscriptionStatus != orgstore.StatusPastDue {
		t.Errorf("status after stale event = %q, want past_due", org.SubscriptionStatus)
	}

	// Successful payment restores active and clears the grace window.
	rec = f.deliver(t, eventJSON("evt_4", "invoice.paid", base+30,
		`{"id":"in_ok","customer":"cus_life","subscription":"sub_life","lines":{"data":[{"subscription":"sub_life","period":{"end":`+
			fmt.Sprint(base+5184000)+`}}]}}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("invoice.paid status = %d", rec.Code)
	}
	org, _ = f.store.Get("org_LIFE000001")
	if org.SubscriptionStatus != orgstore.StatusActive {
		t.Fatalf("status = %q, want active", org.SubscriptionStatus)
	}
	if org.GracePeriodEnd != nil {
		t.Error("grace window should be cleared on payment")
	}

	// Deletion cancels and drops to the free plan.
	rec = f.deliver(t, eventJSON("evt_5", "customer.subscription.deleted", base+40,
		`{"id":"sub_life","customer":"cus_life","status":"canceled"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("subscription.deleted status = %d", rec.Code)
	}
	org, _ = f.store.Get("org_LIFE000001")
	if org.SubscriptionStatus != orgstore.StatusCanceled {
		t.Fatalf("status = %q, want canceled", org.SubscriptionStatus)
	}
	if org.PlanID != "free" {
		t.Errorf("plan = %q, want free", org.PlanID)
	}

	// A later "active" event for the dead subscription must not
	// resurrect it; the provider still gets a 200.
	rec = f.deliver(t, eventJSON("evt_6", "customer.subscription.updated", base+50,
		`{"id":"sub_life","customer":"cus_life","status":"active"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("resurrection attempt status = %d, want 200", rec.Code)
	}
	org, _ = f.store.Get("org_LIFE000001")
	if org.SubscriptionStatus != orgstore.StatusCanceled {
		t.Errorf("status = %q, terminal state must stick", org.SubscriptionStatus)
	}
}

func TestWebhookDeduplicatesByEventID(t *testing.T) {
	f := newWebhookFixture(t)
	f.createOrg(t, "org_DEDUP00001")
	if err := f.store.LinkStripeCustomer("org_DEDUP00001", "cus_dedup", "sub_dedup"); err != nil {
		t.Fatalf("link: %v", err)
	}

	payload := eventJSON("evt_dup", "invoice.payment_failed", time.Now().Unix(),
		`{"id":"in_dup","customer":"cus_dedup","subscription":"sub_dedup","attempt_count":1,"amount_due":1900,"currency":"usd","customer_email":"owner@test.example"}`)

	for i := 0; i < 2; i++ {
		rec := f.deliver(t, payload)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery #%d status = %d", i+1, rec.Code)
		}
	}
	if len(f.notifier.calls) != 1 {
		t.Errorf("dunning notifications = %d, want 1 (redelivery must be acked without reprocessing)", len(f.notifier.calls))
	}
}

func TestWebhookRetriesFailedEventInsteadOfSkippingDuplicate(t *testing.T) {
	f := newWebhookFixture(t)
	f.createOrg(t, "org_RETRY00001")
	base := time.Now().Unix()

	// A checkout without a customer fails processing and must answer 5xx.
	bad := eventJSON("evt_retry", "checkout.session.completed", base,
		`{"id":"cs_r","mode":"subscription","client_reference_id":"org_RETRY00001"}`)
	rec := f.deliver(t, bad)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed event status = %d, want 500", rec.Code)
	}

	// The failure must not have been recorded as processed, so the
	// provider's retry with the same event id is handled for real.
	good := eventJSON("evt_retry", "checkout.session.completed", base,
		`{"id":"cs_r","mode":"subscription","customer":"cus_retry","client_reference_id":"org_RETRY00001"}`)
	rec = f.deliver(t, good)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", rec.Code)
	}
	org, _ := f.store.Get("org_RETRY00001")
	if org.StripeCustomerID != "cus_retry" {
		t.Errorf("customer id = %q, retry should have linked the customer", org.StripeCustomerID)
	}
}

func TestWebhookAcksUnknownOrganization(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.deliver(t, eventJSON("evt_ghost", "customer.subscription.updated", time.Now().Unix(),
		`{"id":"sub_ghost","customer":"cus_ghost","status":"active"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("unknown org status = %d, want 200 so the provider stops retrying", rec.Code)
	}
	if len(f.notifier.calls) != 0 {
		t.Errorf("no dunning expected, got %d", len(f.notifier.calls))
	}
}

func TestWebhookAcksCustomerConflict(t *testing.T) {
	f := newWebhookFixture(t)
	f.createOrg(t, "org_CONF000001")
	if err := f.store.LinkStripeCustomer("org_CONF000001", "cus_original", ""); err != nil {
		t.Fatalf("link: %v", err)
	}

	rec := f.deliver(t, eventJSON("evt_conf", "checkout.session.completed", time.Now().Unix(),
		`{"id":"cs_c","mode":"subscription","customer":"cus_hijack","client_reference_id":"org_CONF000001"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("conflict status = %d, want 200", rec.Code)
	}
	org, _ := f.store.Get("org_CONF000001")
	if org.StripeCustomerID != "cus_original" {
		t.Errorf("customer id = %q, conflicting checkout must not overwrite", org.StripeCustomerID)
	}
}

func TestWebhookIgnoresUnhandledEventTypes(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.deliver(t, eventJSON("evt_misc", "payment_intent.succeeded", time.Now().Unix(), `{"id":"pi_1"}`))
	if rec.Code != http.StatusOK {
		t.Errorf("unhandled type status = %d, want 200", rec.Code)
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	f := newWebhookFixture(t)
	f.createOrg(t, "org_MAL0000001")

	// Expanded customer object where a plain id string is expected: the
	// signature verifies but the payload can never decode, so it must be
	// answered 400 rather than 500 (which would be redelivered forever).
	payload := eventJSON("evt_malformed", "customer.subscription.updated", time.Now().Unix(),
		`{"id":"sub_1","customer":{"id":"cus_1"},"status":"active"}`)
	rec := f.deliver(t, payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "malformed") {
		t.Errorf("body = %s, want a malformed payload error", rec.Body.String())
	}

	// The event was never applied, so a corrected redelivery still works.
	seen, err := f.store.SeenEvent("evt_malformed")
	if err != nil {
		t.Fatalf("SeenEvent: %v", err)
	}
	if seen {
		t.Error("malformed event must not be recorded as applied")
	}
}
