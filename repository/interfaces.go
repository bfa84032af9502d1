package repository

import (
	"context"
	"time"

	"github.com/amirphl/Mizuchi/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// MessageQueueRepository is the durable delivery queue
type MessageQueueRepository interface {
	// Enqueue bulk-inserts items as pending with zero attempts and returns their ids
	Enqueue(ctx context.Context, items []*models.MessageQueueItem) ([]uint, error)
	ByID(ctx context.Context, id uint) (*models.MessageQueueItem, error)
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.MessageQueueItem, error)
	ByFilter(ctx context.Context, filter models.MessageQueueItemFilter, orderBy string, limit, offset int) ([]*models.MessageQueueItem, error)
	// ClaimBatch moves up to limit claimable items to processing under workerID's lease
	ClaimBatch(ctx context.Context, limit int, workerID string, leaseTTL time.Duration) ([]*models.MessageQueueItem, error)
	// Complete records an attempt; it returns nil when workerID no longer holds the lease
	Complete(ctx context.Context, id uint, workerID string, outcome models.DeliveryOutcome) (*models.MessageQueueItem, error)
	// RenewLease extends workerID's lease; false means another worker took the item over or it was settled
	RenewLease(ctx context.Context, id uint, workerID string, leaseTTL time.Duration) (bool, error)
	// MarkReceipt stamps a receipt timestamp once; false means it was already recorded
	MarkReceipt(ctx context.Context, id uint, receipt models.ReceiptType, at time.Time) (bool, error)
	StatusCounts(ctx context.Context, tenantID uint, campaignID *uint) (*models.QueueStatusCounts, error)
	CampaignTally(ctx context.Context, campaignID uint) (*models.CampaignCounters, error)
}

type CampaignRepository interface {
	Save(ctx context.Context, campaign *models.Campaign) error
	ByID(ctx context.Context, id uint) (*models.Campaign, error)
	ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error)
	Update(ctx context.Context, campaign *models.Campaign) error
	// IncrementCounter adds delta to one counter without reading the row first
	IncrementCounter(ctx context.Context, id uint, counter models.CampaignCounter, delta int64) error
	// MarkCompletedIfDrained flips running to completed once sent+failed reaches target
	MarkCompletedIfDrained(ctx context.Context, id uint) (bool, error)
	SetCounters(ctx context.Context, id uint, counters models.CampaignCounters) error
	ListActive(ctx context.Context, limit int) ([]*models.Campaign, error)
}

type WebhookEventRepository interface {
	// Insert claims (source, event id); false means it was already admitted
	Insert(ctx context.Context, event *models.WebhookEvent) (bool, error)
	MarkProcessed(ctx context.Context, id uint) error
	BySourceAndEventID(ctx context.Context, source, eventID string) (*models.WebhookEvent, error)
}

type PaymentRepository interface {
	Save(ctx context.Context, payment *models.Payment) error
	ByID(ctx context.Context, id uint) (*models.Payment, error)
	ByIDForUpdate(ctx context.Context, id uint) (*models.Payment, error)
	// ByGatewayOrderRefForUpdate locks the newest payment for the gateway order
	ByGatewayOrderRefForUpdate(ctx context.Context, gatewayOrderRef string) (*models.Payment, error)
	ByGatewayPaymentRefForUpdate(ctx context.Context, gatewayPaymentRef string) (*models.Payment, error)
	ListByOrder(ctx context.Context, orderID uint) ([]*models.Payment, error)
	Update(ctx context.Context, payment *models.Payment) error
}

type OrderRepository interface {
	Save(ctx context.Context, order *models.Order) error
	ByID(ctx context.Context, id uint) (*models.Order, error)
	ByIDForUpdate(ctx context.Context, id uint) (*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
}

type OrderTimelineRepository interface {
	Save(ctx context.Context, entry *models.OrderTimelineEntry) error
	ListByOrder(ctx context.Context, orderID uint) ([]*models.OrderTimelineEntry, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Save(ctx context.Context, log *models.AuditLog) error
	ListByEntity(ctx context.Context, entityType string, entityID uint) ([]*models.AuditLog, error)
}

type SubscriptionRepository interface {
	Save(ctx context.Context, subscription *models.Subscription) error
	Update(ctx context.Context, subscription *models.Subscription) error
	ActiveByTenantForUpdate(ctx context.Context, tenantID uint, planCode string) (*models.Subscription, error)
}

type InvoiceRepository interface {
	Save(ctx context.Context, invoice *models.Invoice) error
	Update(ctx context.Context, invoice *models.Invoice) error
	ByOrderID(ctx context.Context, orderID uint) (*models.Invoice, error)
}

// TransactionRepository is the append-only ledger
type TransactionRepository interface {
	Save(ctx context.Context, tx *models.Transaction) error
	ListByOrder(ctx context.Context, orderID uint) ([]*models.Transaction, error)
}

type OutboxEventRepository interface {
	Save(ctx context.Context, event *models.OutboxEvent) error
	// ClaimPending locks up to limit pending rows; must run inside a transaction
	ClaimPending(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uint, at time.Time) error
	MarkAttemptFailed(ctx context.Context, id uint, errMsg string, maxAttempts int) error
}
