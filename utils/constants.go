package utils

import (
	"time"
)

// Queue defaults
const (
	// DefaultMaxAttempts is the number of delivery attempts a queue item gets before it is dead-lettered
	DefaultMaxAttempts = 3

	// DefaultLeaseTTL bounds how long a worker may hold a claimed item before another worker can reclaim it
	DefaultLeaseTTL = 2 * time.Minute

	// DefaultMaxLeaseReclaims is how many times an item may be taken over from an expired lease
	DefaultMaxLeaseReclaims = 3

	// MaxRecipientsPerSend caps a single POST /campaigns/send request
	MaxRecipientsPerSend = 10000

	// MaxErrorMessageLength is the longest provider error text stored on a queue item
	MaxErrorMessageLength = 1024
)

// Webhook constants
const (
	PaymentWebhookSource = "payment_gateway"

	SynthesizedEventIDPrefix = "sha256:"
)

// Locks
const (
	RefundLockTTL = 2 * time.Minute

	RefundLockKeyPrefix = "mizuchi:lock:refund:"
)

// Request context keys and actors
const (
	RequestIDKey = "X-Request-ID"
	TenantIDKey  = "X-Tenant-ID"
	ActorKey     = "X-Actor"

	SystemActor  = "system"
	GatewayActor = "gateway"
)

// Billing
const (
	// PlanPeriod is how long one plan purchase extends a subscription
	PlanPeriod = 30 * 24 * time.Hour

	InvoiceNumberPrefix = "INV-"
)
