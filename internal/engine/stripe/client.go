package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// SubscriptionState is the slice of a provider subscription the
// synchronizer needs when an event does not carry it inline.
type SubscriptionState struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	PriceID           string
}

// SubscriptionFetcher retrieves the current state of a subscription from
// the billing provider.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
}

// APIFetcher fetches subscriptions through the Stripe API.
type APIFetcher struct {
	// getSubscription is swappable for tests.
	getSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewAPIFetcher configures the global Stripe key and returns a fetcher.
func NewAPIFetcher(apiKey string) *APIFetcher {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &APIFetcher{getSubscription: stripesub.Get}
}

// FetchSubscription retrieves a subscription and flattens it into a
// SubscriptionState.
func (f *APIFetcher) FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("missing subscription id")
	}
	if !IsSafeStripeID(subscriptionID) {
		return nil, fmt.Errorf("invalid subscription id: %s", subscriptionID)
	}

	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := f.getSubscription(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}

	state := &SubscriptionState{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		state.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		var periodEnd int64
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
			if state.PriceID == "" && item.Price != nil {
				state.PriceID = item.Price.ID
			}
		}
		if periodEnd > 0 {
			t := time.Unix(periodEnd, 0).UTC()
			state.CurrentPeriodEnd = &t
		}
	}
	return state, nil
}
