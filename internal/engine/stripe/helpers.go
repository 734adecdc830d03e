package stripe

import (
	"strings"

	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// MapSubscriptionStatus converts a provider subscription status string to
// the internal status. Unknown statuses fail closed (unpaid).
func MapSubscriptionStatus(status string) orgstore.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return orgstore.StatusTrialing
	case "active":
		return orgstore.StatusActive
	case "past_due":
		return orgstore.StatusPastDue
	case "canceled":
		return orgstore.StatusCanceled
	case "unpaid", "paused", "incomplete":
		return orgstore.StatusUnpaid
	case "incomplete_expired":
		return orgstore.StatusIncompleteExpired
	default:
		return orgstore.StatusUnpaid
	}
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_..., in_...) is
// safe for use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
