package orgstore

import (
	"testing"
)

func TestPlanQuotaAccessors(t *testing.T) {
	p := &Plan{MaxSeats: 5, MonthlyOps: 100, StorageMB: UnlimitedQuota}

	tests := []struct {
		key    string
		want   int64
		wantOK bool
	}{
		{QuotaSeats, 5, true},
		{QuotaMonthlyOps, 100, true},
		{QuotaStorageMB, UnlimitedQuota, true},
		{"api_calls", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := p.Quota(tt.key)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Quota(%q) = (%d, %v), want (%d, %v)", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if err := p.SetQuota("api_calls", 9); err == nil {
		t.Error("SetQuota accepted an unknown key")
	}
	if err := p.SetQuota(QuotaSeats, 50); err != nil {
		t.Fatalf("SetQuota: %v", err)
	}
	if p.MaxSeats != 50 {
		t.Errorf("MaxSeats = %d, want 50", p.MaxSeats)
	}
}

func TestUpsertAndGetPlan(t *testing.T) {
	s := newTestStore(t)

	plan := &Plan{
		ID:         "pro",
		Name:       "Pro",
		MaxSeats:   10,
		MonthlyOps: 5000,
		StorageMB:  UnlimitedQuota,
		Features:   map[string]bool{"can_generate_documents": true},
	}
	if err := s.UpsertPlan(plan); err != nil {
		t.Fatalf("UpsertPlan: %v", err)
	}

	got, err := s.GetPlan("pro")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got == nil {
		t.Fatal("GetPlan returned nil for stored plan")
	}
	if got.StorageMB != UnlimitedQuota {
		t.Errorf("StorageMB = %d, want unlimited sentinel", got.StorageMB)
	}
	if !got.Features["can_generate_documents"] {
		t.Error("feature flag lost on round trip")
	}

	// Update overwrites in place.
	plan.MaxSeats = 25
	if err := s.UpsertPlan(plan); err != nil {
		t.Fatalf("UpsertPlan update: %v", err)
	}
	got, _ = s.GetPlan("pro")
	if got.MaxSeats != 25 {
		t.Errorf("MaxSeats after update = %d, want 25", got.MaxSeats)
	}

	missing, err := s.GetPlan("enterprise")
	if err != nil {
		t.Fatalf("GetPlan missing: %v", err)
	}
	if missing != nil {
		t.Fatal("GetPlan returned a row for a missing plan")
	}
}

func TestPlanIDForPrice(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertPlan(&Plan{ID: "pro", Name: "Pro"}); err != nil {
		t.Fatalf("UpsertPlan: %v", err)
	}
	if err := s.UpsertPrice(&Price{
		ID:          "price_monthly",
		PlanID:      "pro",
		AmountCents: 2900,
		Interval:    "month",
		Public:      true,
	}); err != nil {
		t.Fatalf("UpsertPrice: %v", err)
	}

	planID, err := s.PlanIDForPrice("price_monthly")
	if err != nil {
		t.Fatalf("PlanIDForPrice: %v", err)
	}
	if planID != "pro" {
		t.Errorf("plan for price = %q, want pro", planID)
	}

	planID, err = s.PlanIDForPrice("price_unknown")
	if err != nil {
		t.Fatalf("PlanIDForPrice unknown: %v", err)
	}
	if planID != "" {
		t.Errorf("unknown price resolved to %q, want empty", planID)
	}
}

func TestUpsertPriceValidatesInterval(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertPlan(&Plan{ID: "pro", Name: "Pro"}); err != nil {
		t.Fatalf("UpsertPlan: %v", err)
	}

	err := s.UpsertPrice(&Price{ID: "price_bad", PlanID: "pro", Interval: "weekly"})
	if err == nil {
		t.Fatal("UpsertPrice accepted a bogus interval")
	}

	if err := s.UpsertPrice(&Price{ID: "price_y", PlanID: "pro", AmountCents: 29000, Interval: "year"}); err != nil {
		t.Fatalf("UpsertPrice year: %v", err)
	}
	prices, err := s.ListPricesByPlan("pro")
	if err != nil {
		t.Fatalf("ListPricesByPlan: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("prices = %d, want 1", len(prices))
	}
	if prices[0].Currency != "usd" {
		t.Errorf("default currency = %q, want usd", prices[0].Currency)
	}
}
