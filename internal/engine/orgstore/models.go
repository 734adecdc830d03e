package orgstore

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus is the provider-synchronized billing status of an
// organization.
type SubscriptionStatus string

const (
	StatusNone              SubscriptionStatus = "none"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// KnownStatus reports whether s is one of the recognized statuses.
func KnownStatus(s SubscriptionStatus) bool {
	switch s {
	case StatusNone, StatusTrialing, StatusActive, StatusPastDue,
		StatusCanceled, StatusUnpaid, StatusIncompleteExpired:
		return true
	}
	return false
}

// Terminal reports whether s is terminal: later provider events for the
// same subscription id are recorded but must not restore access.
func Terminal(s SubscriptionStatus) bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Organization is the billing unit. One row per tenant; mutated only by
// the webhook synchronizer (status and period fields) and the admin
// override surface (plan and feature overrides).
type Organization struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Email                string             `json:"email"`
	PlanID               string             `json:"plan_id"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	GracePeriodEnd       *time.Time         `json:"grace_period_end,omitempty"`
	FeatureOverrides     map[string]bool    `json:"feature_overrides,omitempty"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateOrgID returns an organization ID of the form "org_" followed by
// 10 random Crockford base32 characters (50 bits of entropy).
func GenerateOrgID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate org id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("org_")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
