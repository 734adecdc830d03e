package stripe

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/entitlements"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

const graceCheckInterval = 1 * time.Hour

// GraceEnforcer periodically cancels organizations whose past_due grace
// window has expired without a successful payment.
type GraceEnforcer struct {
	store *orgstore.Store
}

// NewGraceEnforcer creates a GraceEnforcer.
func NewGraceEnforcer(store *orgstore.Store) *GraceEnforcer {
	return &GraceEnforcer{store: store}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (g *GraceEnforcer) Run(ctx context.Context) {
	log.Info().Msg("Grace period enforcer started")

	ticker := time.NewTicker(graceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Grace period enforcer stopped")
			return
		case <-ticker.C:
			g.enforce(ctx)
		}
	}
}

func (g *GraceEnforcer) enforce(ctx context.Context) {
	orgs, err := g.store.ListByStatus(orgstore.StatusPastDue)
	if err != nil {
		log.Error().Err(err).Msg("Grace enforcer: failed to list past_due organizations")
		return
	}

	now := time.Now().UTC()
	for _, org := range orgs {
		if ctx.Err() != nil {
			return
		}
		if org == nil || org.GracePeriodEnd == nil || org.GracePeriodEnd.After(now) {
			continue
		}

		log.Warn().
			Str("org_id", org.ID).
			Str("subscription_id", org.StripeSubscriptionID).
			Time("grace_period_end", *org.GracePeriodEnd).
			Msg("Grace period expired, canceling organization subscription")

		err := g.store.ApplySubscriptionSync(orgstore.SubscriptionSync{
			OrgID:          org.ID,
			Status:         orgstore.StatusCanceled,
			SubscriptionID: org.StripeSubscriptionID,
			PlanID:         entitlements.FreePlanID,
			EventTime:      now,
		})
		if err != nil {
			log.Error().Err(err).Str("org_id", org.ID).Msg("Grace enforcer: failed to cancel organization")
		}
	}
}
