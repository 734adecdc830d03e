package billmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrgsByStatus tracks the number of organizations in each subscription status.
	OrgsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "subsentry",
		Subsystem: "billing",
		Name:      "orgs_by_status",
		Help:      "Number of organizations by subscription status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsentry",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subsentry",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SyncOutcomes counts state synchronizer outcomes per event type.
	SyncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsentry",
		Subsystem: "billing",
		Name:      "sync_outcomes_total",
		Help:      "State synchronizer outcomes (applied/stale/org_not_found/error).",
	}, []string{"event_type", "outcome"})

	// DunningEmailsTotal counts dunning emails by send outcome.
	DunningEmailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsentry",
		Subsystem: "billing",
		Name:      "dunning_emails_total",
		Help:      "Dunning emails generated, by send outcome.",
	}, []string{"outcome"})

	// AdminOverridesTotal counts admin override mutations by action.
	AdminOverridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsentry",
		Subsystem: "billing",
		Name:      "admin_overrides_total",
		Help:      "Admin override mutations by action.",
	}, []string{"action"})
)
