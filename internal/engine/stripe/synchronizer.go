package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/billmetrics"
	"github.com/subsentry/subsentry/internal/engine/dunning"
	"github.com/subsentry/subsentry/internal/engine/entitlements"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

// DefaultGracePeriod is how long a past_due organization keeps full
// access after a failed payment before the enforcer cancels it.
const DefaultGracePeriod = 14 * 24 * time.Hour

// DunningNotifier is told about failed payment attempts after the status
// change has been committed. Implementations must not return errors;
// dunning is best-effort.
type DunningNotifier interface {
	NotifyPaymentFailed(ctx context.Context, org *orgstore.Organization, inv dunning.FailedInvoice)
}

// Synchronizer applies provider events to organization billing state.
// Events that cannot match an organization, that arrive out of order,
// or that would resurrect a terminal subscription are logged and
// acknowledged so the provider does not retry them forever.
type Synchronizer struct {
	store       *orgstore.Store
	fetcher     SubscriptionFetcher // nil: invoice events use their inline fields
	dunning     DunningNotifier     // nil disables payment reminders
	gracePeriod time.Duration
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store *orgstore.Store, fetcher SubscriptionFetcher, notifier DunningNotifier, gracePeriod time.Duration) *Synchronizer {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Synchronizer{
		store:       store,
		fetcher:     fetcher,
		dunning:     notifier,
		gracePeriod: gracePeriod,
	}
}

// HandleCheckout links a completed checkout's Stripe customer to the
// organization named by the session's client_reference_id. The customer
// id is immutable once set: a conflicting link is logged and the event
// acknowledged without overwriting.
func (s *Synchronizer) HandleCheckout(ctx context.Context, session CheckoutSession, eventTime time.Time) error {
	customerID := strings.TrimSpace(session.Customer)
	if customerID == "" {
		return fmt.Errorf("checkout session missing customer")
	}
	if !IsSafeStripeID(customerID) {
		return fmt.Errorf("invalid stripe customer id: %s", customerID)
	}

	orgID := strings.TrimSpace(session.ClientReference)
	if orgID == "" && session.Metadata != nil {
		orgID = strings.TrimSpace(session.Metadata["org_id"])
	}
	if orgID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Str("customer_id", customerID).
			Msg("Checkout completed without organization linkage, ignoring")
		return nil
	}

	subscriptionID := strings.TrimSpace(session.Subscription)
	err := s.store.LinkStripeCustomer(orgID, customerID, subscriptionID)
	switch {
	case errors.Is(err, orgstore.ErrOrgNotFound):
		log.Warn().
			Str("org_id", orgID).
			Str("customer_id", customerID).
			Msg("Checkout completed for unknown organization, ignoring")
		billmetrics.SyncOutcomes.WithLabelValues("checkout.session.completed", "org_not_found").Inc()
		return nil
	case errors.Is(err, orgstore.ErrCustomerConflict):
		log.Error().
			Str("org_id", orgID).
			Str("customer_id", customerID).
			Msg("Checkout customer conflicts with already linked customer, keeping existing link")
		billmetrics.SyncOutcomes.WithLabelValues("checkout.session.completed", "customer_conflict").Inc()
		return nil
	case err != nil:
		billmetrics.SyncOutcomes.WithLabelValues("checkout.session.completed", "error").Inc()
		return err
	}

	// Pull the subscription so the first status lands without waiting for
	// the subscription.updated delivery.
	if s.fetcher != nil && subscriptionID != "" {
		state, err := s.fetcher.FetchSubscription(ctx, subscriptionID)
		if err != nil {
			log.Warn().Err(err).
				Str("org_id", orgID).
				Str("subscription_id", subscriptionID).
				Msg("Checkout: could not fetch subscription, status will sync on next event")
		} else {
			planID, _ := s.planForPrice(state.PriceID)
			if _, err := s.applySync("checkout.session.completed", orgstore.SubscriptionSync{
				OrgID:             orgID,
				Status:            MapSubscriptionStatus(state.Status),
				SubscriptionID:    state.ID,
				PlanID:            planID,
				CurrentPeriodEnd:  state.CurrentPeriodEnd,
				CancelAtPeriodEnd: state.CancelAtPeriodEnd,
				EventTime:         eventTime,
			}); err != nil {
				return err
			}
		}
	}

	log.Info().
		Str("org_id", orgID).
		Str("customer_id", customerID).
		Str("subscription_id", subscriptionID).
		Msg("Organization linked to Stripe customer")
	billmetrics.SyncOutcomes.WithLabelValues("checkout.session.completed", "applied").Inc()
	return nil
}

// HandleSubscriptionUpdated syncs status, plan, and period fields from a
// subscription created/updated event.
func (s *Synchronizer) HandleSubscriptionUpdated(ctx context.Context, sub Subscription, eventTime time.Time) error {
	org, ok, err := s.orgForCustomer("customer.subscription.updated", sub.Customer, sub.ID)
	if err != nil || !ok {
		return err
	}

	status := MapSubscriptionStatus(sub.Status)
	planID, err := s.planForPrice(sub.FirstPriceID())
	if err != nil {
		return err
	}

	sync := orgstore.SubscriptionSync{
		OrgID:             org.ID,
		Status:            status,
		SubscriptionID:    strings.TrimSpace(sub.ID),
		PlanID:            planID,
		CurrentPeriodEnd:  sub.PeriodEnd(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		EventTime:         eventTime,
	}
	// A subscription that is merely past due keeps whatever grace window
	// the failed invoice opened.
	if status == orgstore.StatusPastDue {
		sync.GracePeriodEnd = org.GracePeriodEnd
	}
	if orgstore.Terminal(status) {
		sync.PlanID = entitlements.FreePlanID
	}

	_, err = s.applySync("customer.subscription.updated", sync)
	return err
}

// HandleSubscriptionDeleted marks the organization canceled and drops it
// to the free plan.
func (s *Synchronizer) HandleSubscriptionDeleted(ctx context.Context, sub Subscription, eventTime time.Time) error {
	org, ok, err := s.orgForCustomer("customer.subscription.deleted", sub.Customer, sub.ID)
	if err != nil || !ok {
		return err
	}

	_, err = s.applySync("customer.subscription.deleted", orgstore.SubscriptionSync{
		OrgID:          org.ID,
		Status:         orgstore.StatusCanceled,
		SubscriptionID: strings.TrimSpace(sub.ID),
		PlanID:         entitlements.FreePlanID,
		EventTime:      eventTime,
	})
	return err
}

// HandleInvoicePaid restores active status and clears any grace window.
// When a fetcher is configured the subscription is pulled for the
// authoritative status and period end; otherwise the invoice's own line
// period is used.
func (s *Synchronizer) HandleInvoicePaid(ctx context.Context, inv Invoice, eventTime time.Time) error {
	org, ok, err := s.orgForCustomer("invoice.paid", inv.Customer, inv.SubscriptionID())
	if err != nil || !ok {
		return err
	}

	sync := orgstore.SubscriptionSync{
		OrgID:             org.ID,
		Status:            orgstore.StatusActive,
		SubscriptionID:    inv.SubscriptionID(),
		CurrentPeriodEnd:  inv.PeriodEnd(),
		CancelAtPeriodEnd: org.CancelAtPeriodEnd,
		EventTime:         eventTime,
	}
	if s.fetcher != nil && sync.SubscriptionID != "" {
		state, err := s.fetcher.FetchSubscription(ctx, sync.SubscriptionID)
		if err != nil {
			log.Warn().Err(err).
				Str("org_id", org.ID).
				Str("subscription_id", sync.SubscriptionID).
				Msg("Invoice paid: could not fetch subscription, using invoice fields")
		} else {
			sync.Status = MapSubscriptionStatus(state.Status)
			sync.CancelAtPeriodEnd = state.CancelAtPeriodEnd
			if state.CurrentPeriodEnd != nil {
				sync.CurrentPeriodEnd = state.CurrentPeriodEnd
			}
			if planID, perr := s.planForPrice(state.PriceID); perr == nil && planID != "" {
				sync.PlanID = planID
			}
		}
	}

	_, err = s.applySync("invoice.paid", sync)
	return err
}

// HandleInvoicePaymentFailed moves the organization to past_due, opens a
// grace window, and then hands the invoice to the dunning notifier. The
// status change commits regardless of what happens to the reminder email.
func (s *Synchronizer) HandleInvoicePaymentFailed(ctx context.Context, inv Invoice, eventTime time.Time) error {
	org, ok, err := s.orgForCustomer("invoice.payment_failed", inv.Customer, inv.SubscriptionID())
	if err != nil || !ok {
		return err
	}

	graceEnd := eventTime.UTC().Add(s.gracePeriod)
	applied, err := s.applySync("invoice.payment_failed", orgstore.SubscriptionSync{
		OrgID:             org.ID,
		Status:            orgstore.StatusPastDue,
		SubscriptionID:    inv.SubscriptionID(),
		CurrentPeriodEnd:  org.CurrentPeriodEnd,
		CancelAtPeriodEnd: org.CancelAtPeriodEnd,
		GracePeriodEnd:    &graceEnd,
		EventTime:         eventTime,
	})
	if err != nil {
		return err
	}

	if applied && s.dunning != nil {
		s.dunning.NotifyPaymentFailed(ctx, org, dunning.FailedInvoice{
			InvoiceID:        inv.ID,
			SubscriptionID:   inv.SubscriptionID(),
			PlanName:         s.planName(org.PlanID),
			AttemptCount:     inv.AttemptCount,
			AmountDueCents:   inv.AmountDue,
			Currency:         inv.Currency,
			DueDate:          inv.DueTime(),
			HostedInvoiceURL: inv.HostedInvoiceURL,
			CustomerEmail:    inv.CustomerEmail,
			CustomerName:     inv.CustomerName,
		})
	}
	return nil
}

// orgForCustomer resolves the event's customer to an organization. A
// missing organization is logged and acknowledged, not retried.
func (s *Synchronizer) orgForCustomer(eventType, customerID, subscriptionID string) (*orgstore.Organization, bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		log.Warn().
			Str("type", eventType).
			Str("subscription_id", subscriptionID).
			Msg("Provider event missing customer id, ignoring")
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "org_not_found").Inc()
		return nil, false, nil
	}
	org, err := s.store.GetByStripeCustomerID(customerID)
	if err != nil {
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "error").Inc()
		return nil, false, fmt.Errorf("lookup organization by customer: %w", err)
	}
	if org == nil {
		log.Warn().
			Str("type", eventType).
			Str("customer_id", customerID).
			Str("subscription_id", subscriptionID).
			Msg("Provider event for unknown organization, ignoring")
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "org_not_found").Inc()
		return nil, false, nil
	}
	return org, true, nil
}

// applySync commits a sync and classifies the outcome. Stale, terminal,
// and missing-organization outcomes are acknowledged; only storage
// errors surface to the caller's retry path. The bool reports whether
// the sync actually mutated the row.
func (s *Synchronizer) applySync(eventType string, sync orgstore.SubscriptionSync) (bool, error) {
	err := s.store.ApplySubscriptionSync(sync)
	switch {
	case err == nil:
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "applied").Inc()
		log.Info().
			Str("type", eventType).
			Str("org_id", sync.OrgID).
			Str("status", string(sync.Status)).
			Str("plan_id", sync.PlanID).
			Msg("Subscription state synchronized")
		return true, nil
	case errors.Is(err, orgstore.ErrStale):
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "stale").Inc()
		log.Warn().
			Str("type", eventType).
			Str("org_id", sync.OrgID).
			Time("event_time", sync.EventTime).
			Msg("Discarding stale provider event")
		return false, nil
	case errors.Is(err, orgstore.ErrTerminal):
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "terminal").Inc()
		log.Warn().
			Str("type", eventType).
			Str("org_id", sync.OrgID).
			Str("subscription_id", sync.SubscriptionID).
			Msg("Refusing to restore access to a terminal subscription")
		return false, nil
	case errors.Is(err, orgstore.ErrOrgNotFound):
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "org_not_found").Inc()
		log.Warn().
			Str("type", eventType).
			Str("org_id", sync.OrgID).
			Msg("Sync target organization disappeared, ignoring")
		return false, nil
	default:
		billmetrics.SyncOutcomes.WithLabelValues(eventType, "error").Inc()
		return false, fmt.Errorf("apply %s sync for %s: %w", eventType, sync.OrgID, err)
	}
}

// planName resolves a plan id to its catalog display name, falling back
// to the id itself when the plan has no row or no name.
func (s *Synchronizer) planName(planID string) string {
	plan, err := s.store.GetPlan(planID)
	if err != nil || plan == nil || strings.TrimSpace(plan.Name) == "" {
		return planID
	}
	return plan.Name
}

// planForPrice maps a provider price id to a catalog plan. Unknown
// prices keep the current plan rather than guessing.
func (s *Synchronizer) planForPrice(priceID string) (string, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", nil
	}
	planID, err := s.store.PlanIDForPrice(priceID)
	if err != nil {
		return "", err
	}
	if planID == "" {
		log.Warn().Str("price_id", priceID).Msg("Provider price not in catalog, keeping current plan")
	}
	return planID, nil
}
