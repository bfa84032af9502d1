// Package metrics holds the Prometheus collectors for background delivery and payment reconciliation
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery attempts partitioned by outcome kind (sent, transient, rejected, configuration)
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mizuchi_delivery_attempts_total",
			Help: "Delivery attempts recorded against queue items",
		},
		[]string{"outcome"},
	)

	DeliveryClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mizuchi_delivery_claimed_total",
			Help: "Queue items claimed by delivery workers",
		},
	)

	// Completions rejected because another worker reclaimed the item
	DeliveryLeaseLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mizuchi_delivery_lease_lost_total",
			Help: "Completions dropped because the worker no longer held the lease",
		},
	)

	DeliveryLeaseExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mizuchi_delivery_lease_exhausted_total",
			Help: "Queue items dead-lettered after too many lease takeovers",
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mizuchi_delivery_duration_seconds",
			Help:    "Time spent sending one queue item, retries included",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Webhook deliveries partitioned by event type and result
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mizuchi_webhook_events_total",
			Help: "Payment webhook deliveries by event type and result",
		},
		[]string{"event_type", "result"},
	)

	Refunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mizuchi_refunds_total",
			Help: "Refund requests by result",
		},
		[]string{"result"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mizuchi_outbox_events_total",
			Help: "Outbox events relayed to the event bus by result",
		},
		[]string{"result"},
	)

	CounterDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mizuchi_campaign_counter_drift_total",
			Help: "Campaign counter rebuilds that corrected a drift",
		},
	)
)

// Webhook result labels
const (
	WebhookAdmitted  = "admitted"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
	WebhookFailed    = "failed"
)
