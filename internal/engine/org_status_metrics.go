package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/subsentry/subsentry/internal/engine/billmetrics"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

const orgStatusMetricsInterval = 30 * time.Second

func runOrgStatusMetrics(ctx context.Context, store *orgstore.Store) {
	ticker := time.NewTicker(orgStatusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateOrgStatusGauges(store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateOrgStatusGauges(store)
		}
	}
}

func updateOrgStatusGauges(store *orgstore.Store) {
	counts, err := store.CountByStatus()
	if err != nil {
		log.Error().Err(err).Msg("Failed to update organization status metrics")
		return
	}

	known := []orgstore.SubscriptionStatus{
		orgstore.StatusNone,
		orgstore.StatusTrialing,
		orgstore.StatusActive,
		orgstore.StatusPastDue,
		orgstore.StatusCanceled,
		orgstore.StatusUnpaid,
		orgstore.StatusIncompleteExpired,
	}

	seen := make(map[orgstore.SubscriptionStatus]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		billmetrics.OrgsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	// Record unexpected statuses too (bounded by DB content).
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		billmetrics.OrgsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
