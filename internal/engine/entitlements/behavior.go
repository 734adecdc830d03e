package entitlements

import (
	"time"

	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// OperationClass categorizes what operations are allowed for a status.
type OperationClass string

const (
	OpFull     OperationClass = "full"     // All operations allowed
	OpDegraded OperationClass = "degraded" // Existing resources readable, new ones blocked
	OpLocked   OperationClass = "locked"   // All operations blocked
)

// StatusBehavior describes what is allowed for a subscription status.
type StatusBehavior struct {
	Status            orgstore.SubscriptionStatus
	Operations        OperationClass
	FeaturesAvailable bool
	ShowWarning       bool
	Description       string
}

// StatusBehaviors maps each subscription status to its behavior rules.
var StatusBehaviors = map[orgstore.SubscriptionStatus]StatusBehavior{
	orgstore.StatusNone: {
		Status:            orgstore.StatusNone,
		Operations:        OpDegraded,
		FeaturesAvailable: false,
		ShowWarning:       false,
		Description:       "No subscription; free tier only.",
	},
	orgstore.StatusTrialing: {
		Status:            orgstore.StatusTrialing,
		Operations:        OpFull,
		FeaturesAvailable: true,
		ShowWarning:       false,
		Description:       "Full capabilities during trial.",
	},
	orgstore.StatusActive: {
		Status:            orgstore.StatusActive,
		Operations:        OpFull,
		FeaturesAvailable: true,
		ShowWarning:       false,
		Description:       "Normal enforcement, all paid features active.",
	},
	orgstore.StatusPastDue: {
		Status:            orgstore.StatusPastDue,
		Operations:        OpDegraded,
		FeaturesAvailable: true,
		ShowWarning:       true,
		Description:       "Payment failed; read access preserved, writes blocked.",
	},
	orgstore.StatusUnpaid: {
		Status:            orgstore.StatusUnpaid,
		Operations:        OpDegraded,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Provider gave up retrying; paid features off.",
	},
	orgstore.StatusCanceled: {
		Status:            orgstore.StatusCanceled,
		Operations:        OpDegraded,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Subscription canceled; paid capabilities revoked.",
	},
	orgstore.StatusIncompleteExpired: {
		Status:            orgstore.StatusIncompleteExpired,
		Operations:        OpLocked,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Initial payment never completed.",
	},
}

// BehaviorFor returns the behavior rules for an organization at a given
// time. A past_due or unpaid organization still inside its grace window
// keeps full operations with a warning banner. Unknown statuses fail
// closed.
func BehaviorFor(org *orgstore.Organization, now time.Time) StatusBehavior {
	if org == nil {
		return lockedBehavior()
	}
	b, ok := StatusBehaviors[org.SubscriptionStatus]
	if !ok {
		return lockedBehavior()
	}
	delinquent := org.SubscriptionStatus == orgstore.StatusPastDue ||
		org.SubscriptionStatus == orgstore.StatusUnpaid
	if delinquent && org.GracePeriodEnd != nil && now.Before(*org.GracePeriodEnd) {
		b.Operations = OpFull
		b.FeaturesAvailable = true
	}
	return b
}

func lockedBehavior() StatusBehavior {
	return StatusBehavior{
		Operations:        OpLocked,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Unknown subscription status.",
	}
}
