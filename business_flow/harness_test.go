package businessflow

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/Mizuchi/app/services"
	"github.com/amirphl/Mizuchi/models"
	testutil "github.com/amirphl/Mizuchi/testing"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_0123456789abcdef"

type harness struct {
	store        *testutil.MemoryStore
	stateMachine OrderStateMachine
	reconciler   PaymentReconciler
	ingestor     WebhookIngestor
	campaigns    CampaignFlow
	aggregator   CampaignAggregator
	gateway      *services.MockPaymentGateway
	locker       services.Locker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := testutil.NewMemoryStore()
	h := &harness{
		store:   store,
		gateway: services.NewMockPaymentGateway(),
		locker:  services.NewLocalLocker(),
	}
	h.stateMachine = NewOrderStateMachine(store.Orders(), store.Timeline(), store.AuditLogs(), store.Outbox(), store)
	h.ingestor = NewWebhookIngestor(store.Webhooks())
	retry := services.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}
	h.reconciler = NewPaymentReconciler(
		h.ingestor, h.stateMachine,
		store.Payments(), store.Orders(), store.Subscriptions(), store.Invoices(), store.Transactions(),
		store.Webhooks(), store.AuditLogs(), store.Outbox(),
		h.gateway, h.locker, retry, store, testWebhookSecret,
	)
	h.campaigns = NewCampaignFlow(store.Campaigns(), store.Queue(), store.AuditLogs(), store, 3)
	h.aggregator = NewCampaignAggregator(store.Campaigns(), store.Queue(), store.AuditLogs(), store.Outbox(), store)
	return h
}

func (h *harness) deliver(t *testing.T, body []byte) error {
	t.Helper()
	_, err := h.reconciler.HandlePaymentWebhook(context.Background(), body, SignPayload(body, testWebhookSecret), "", nil)
	return err
}

func (h *harness) order(t *testing.T, id uint) *models.Order {
	t.Helper()
	o, err := h.store.Orders().ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (h *harness) payment(t *testing.T, id uint) *models.Payment {
	t.Helper()
	p, err := h.store.Payments().ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func (h *harness) timeline(t *testing.T, orderID uint) []*models.OrderTimelineEntry {
	t.Helper()
	entries, err := h.store.Timeline().ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return entries
}

func (h *harness) ledger(t *testing.T, orderID uint) []*models.Transaction {
	t.Helper()
	txs, err := h.store.Transactions().ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	return txs
}

func auditActions(logs []*models.AuditLog) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func outboxTypes(events []*models.OutboxEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}
