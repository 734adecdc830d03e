package orgstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UnlimitedQuota is the sentinel meaning "no limit" for a plan quota.
const UnlimitedQuota int64 = -1

// Quota keys used by the plans table.
const (
	QuotaSeats      = "max_seats"
	QuotaMonthlyOps = "monthly_ops"
	QuotaStorageMB  = "storage_mb"
)

// Plan is a catalog entry: numeric quotas plus a feature flag map.
// Read-only at request time; mutated only through the admin surface.
type Plan struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	MaxSeats   int64           `json:"max_seats"`
	MonthlyOps int64           `json:"monthly_ops"`
	StorageMB  int64           `json:"storage_mb"`
	Features   map[string]bool `json:"features"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Quota returns the numeric limit for key and whether the key is known.
func (p *Plan) Quota(key string) (int64, bool) {
	switch key {
	case QuotaSeats:
		return p.MaxSeats, true
	case QuotaMonthlyOps:
		return p.MonthlyOps, true
	case QuotaStorageMB:
		return p.StorageMB, true
	}
	return 0, false
}

// SetQuota sets the numeric limit for key. Unknown keys are rejected.
func (p *Plan) SetQuota(key string, value int64) error {
	switch key {
	case QuotaSeats:
		p.MaxSeats = value
	case QuotaMonthlyOps:
		p.MonthlyOps = value
	case QuotaStorageMB:
		p.StorageMB = value
	default:
		return fmt.Errorf("unknown quota key %q", key)
	}
	return nil
}

// Price is a monetization detail decoupled from Plan; several prices may
// map to one plan. Not consulted by entitlement resolution.
type Price struct {
	ID           string    `json:"id"`
	PlanID       string    `json:"plan_id"`
	AmountCents  int64     `json:"amount_cents"`
	Currency     string    `json:"currency"`
	Interval     string    `json:"interval"` // "month" or "year"
	CampaignCode string    `json:"campaign_code,omitempty"`
	Public       bool      `json:"public"`
	CreatedAt    time.Time `json:"created_at"`
}

// UpsertPlan inserts or replaces a catalog plan.
func (s *Store) UpsertPlan(p *Plan) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("plan requires an id")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	features := ""
	if len(p.Features) > 0 {
		b, err := json.Marshal(p.Features)
		if err != nil {
			return fmt.Errorf("encode plan features: %w", err)
		}
		features = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO plans (id, name, max_seats, monthly_ops, storage_mb, features, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			max_seats = excluded.max_seats,
			monthly_ops = excluded.monthly_ops,
			storage_mb = excluded.storage_mb,
			features = excluded.features,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.MaxSeats, p.MonthlyOps, p.StorageMB, features,
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID. Returns (nil, nil) when absent.
func (s *Store) GetPlan(id string) (*Plan, error) {
	row := s.db.QueryRow(`SELECT id, name, max_seats, monthly_ops, storage_mb, features, created_at, updated_at
		FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListPlans returns all catalog plans.
func (s *Store) ListPlans() ([]*Plan, error) {
	rows, err := s.db.Query(`SELECT id, name, max_seats, monthly_ops, storage_mb, features, created_at, updated_at
		FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpsertPrice inserts or replaces a price row.
func (s *Store) UpsertPrice(p *Price) error {
	if p == nil || p.ID == "" || p.PlanID == "" {
		return fmt.Errorf("price requires id and plan id")
	}
	if p.Interval != "month" && p.Interval != "year" {
		return fmt.Errorf("price interval must be month or year, got %q", p.Interval)
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO prices (id, plan_id, amount_cents, currency, interval, campaign_code, public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			amount_cents = excluded.amount_cents,
			currency = excluded.currency,
			interval = excluded.interval,
			campaign_code = excluded.campaign_code,
			public = excluded.public`,
		p.ID, p.PlanID, p.AmountCents, p.Currency, p.Interval, p.CampaignCode,
		boolToInt(p.Public), p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

// PlanIDForPrice resolves the plan a provider price ID belongs to.
// Returns "" when the price is unknown.
func (s *Store) PlanIDForPrice(priceID string) (string, error) {
	var planID string
	err := s.db.QueryRow(`SELECT plan_id FROM prices WHERE id = ?`, priceID).Scan(&planID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup plan for price: %w", err)
	}
	return planID, nil
}

// ListPricesByPlan returns all prices for a plan.
func (s *Store) ListPricesByPlan(planID string) ([]*Price, error) {
	rows, err := s.db.Query(`SELECT id, plan_id, amount_cents, currency, interval, campaign_code, public, created_at
		FROM prices WHERE plan_id = ? ORDER BY amount_cents`, planID)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var prices []*Price
	for rows.Next() {
		var p Price
		var public int
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.PlanID, &p.AmountCents, &p.Currency, &p.Interval,
			&p.CampaignCode, &public, &createdAt); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		p.Public = public != 0
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		prices = append(prices, &p)
	}
	return prices, rows.Err()
}

func scanPlan(sc scanner) (*Plan, error) {
	var p Plan
	var features string
	var createdAt, updatedAt int64

	err := sc.Scan(&p.ID, &p.Name, &p.MaxSeats, &p.MonthlyOps, &p.StorageMB,
		&features, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if features != "" {
		if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
			return nil, fmt.Errorf("decode plan features for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
