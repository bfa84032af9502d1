package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/app/handlers"
	"github.com/amirphl/Mizuchi/app/services"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/config"
	"github.com/amirphl/Mizuchi/models"
	testutil "github.com/amirphl/Mizuchi/testing"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_router_test_secret"

type apiFixture struct {
	app     *fiber.App
	store   *testutil.MemoryStore
	gateway *services.MockPaymentGateway
}

func newAPIFixture(t *testing.T, health map[string]HealthChecker) *apiFixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	gateway := services.NewMockPaymentGateway()

	stateMachine := businessflow.NewOrderStateMachine(store.Orders(), store.Timeline(), store.AuditLogs(), store.Outbox(), store)
	ingestor := businessflow.NewWebhookIngestor(store.Webhooks())
	reconciler := businessflow.NewPaymentReconciler(
		ingestor, stateMachine,
		store.Payments(), store.Orders(), store.Subscriptions(), store.Invoices(), store.Transactions(),
		store.Webhooks(), store.AuditLogs(), store.Outbox(),
		gateway, services.NewLocalLocker(),
		services.RetryPolicy{MaxAttempts: 1, Sleep: func(context.Context, time.Duration) error { return nil }},
		store, webhookSecret,
	)
	campaigns := businessflow.NewCampaignFlow(store.Campaigns(), store.Queue(), store.AuditLogs(), store, 3)
	aggregator := businessflow.NewCampaignAggregator(store.Campaigns(), store.Queue(), store.AuditLogs(), store.Outbox(), store)

	cfg := &config.ProductionConfig{
		Security: config.SecurityConfig{GlobalRateLimit: 1000, RateLimitWindow: time.Minute},
		Webhook:  config.WebhookConfig{Secret: webhookSecret, SignatureHeader: "X-Signature", EventIDHeader: "X-Event-Id"},
	}
	r := NewFiberRouter(cfg,
		handlers.NewCampaignHandler(campaigns),
		handlers.NewWebhookHandler(reconciler, aggregator, cfg.Webhook),
		handlers.NewOrderHandler(stateMachine, reconciler),
		health,
	)
	r.SetupRoutes()
	return &apiFixture{app: r.GetApp(), store: store, gateway: gateway}
}

type apiResult struct {
	Status int
	Body   struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
		Error   dto.ErrorDetail `json:"error"`
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, tenant uint, body any, headers ...string) apiResult {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenant != 0 {
		req.Header.Set("X-Tenant-ID", fmt.Sprint(tenant))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResult
	out.Status = resp.StatusCode
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out.Body), "body: %s", raw)
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, map[string]HealthChecker{
		"database": func(context.Context) error { return nil },
	})
	res := f.do(t, http.MethodGet, "/api/v1/health", 0, nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.True(t, res.Body.Success)

	f = newAPIFixture(t, map[string]HealthChecker{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	res = f.do(t, http.MethodGet, "/api/v1/health", 0, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	data := decode[map[string]any](t, res.Body.Data)
	assert.Equal(t, "degraded", data["status"])
}

func TestTenantHeader(t *testing.T) {
	f := newAPIFixture(t, nil)

	res := f.do(t, http.MethodPost, "/api/v1/campaigns", 0, dto.CreateCampaignRequest{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "MISSING_TENANT_ID", res.Body.Error.Code)

	res = f.do(t, http.MethodPost, "/api/v1/campaigns", 0, dto.CreateCampaignRequest{Name: "x"}, "X-Tenant-ID", "abc")
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, "INVALID_TENANT_ID", res.Body.Error.Code)
}

func TestCampaignEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	res := f.do(t, http.MethodPost, "/api/v1/campaigns", 3, dto.CreateCampaignRequest{Name: "Spring"}, "X-Actor", "ops@example.com")
	require.Equal(t, http.StatusCreated, res.Status)
	campaign := decode[dto.CampaignResponse](t, res.Body.Data)
	assert.Equal(t, "draft", campaign.Status)
	assert.Equal(t, "ops@example.com", f.store.AllAuditLogs()[0].Actor)

	res = f.do(t, http.MethodPost, "/api/v1/campaigns/send", 3, map[string]any{
		"campaignId": campaign.ID, "recipients": []string{"not-a-phone"}, "messageType": "sms",
	})
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "VALIDATION_ERROR", res.Body.Error.Code)

	res = f.do(t, http.MethodPost, "/api/v1/campaigns/send", 3, map[string]any{
		"campaignId": campaign.ID, "recipients": []string{"+15550001", "+15550001", "+15550002"}, "messageType": "sms",
	})
	require.Equal(t, http.StatusAccepted, res.Status)
	sent := decode[dto.SendCampaignResponse](t, res.Body.Data)
	assert.Equal(t, 2, sent.Queued)
	assert.Equal(t, 1, sent.Duplicates)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/queue/status?campaignId=%d", campaign.ID), 3, nil)
	require.Equal(t, http.StatusOK, res.Status)
	status := decode[dto.QueueStatusResponse](t, res.Body.Data)
	assert.EqualValues(t, 2, status.Pending)
	assert.EqualValues(t, 2, status.Total)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/queue/status?campaignId=%d", campaign.ID), 4, nil)
	assert.Equal(t, http.StatusNotFound, res.Status)

	res = f.do(t, http.MethodGet, "/api/v1/queue/status?campaignId=zero", 3, nil)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res = f.do(t, http.MethodGet, "/api/v1/queue/failed?limit=1000", 3, nil)
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res = f.do(t, http.MethodGet, "/api/v1/queue/failed", 3, nil)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Empty(t, decode[dto.ListFailedItemsResponse](t, res.Body.Data).Items)

	res = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/cancel", campaign.ID), 3, nil)
	require.Equal(t, http.StatusOK, res.Status)

	res = f.do(t, http.MethodPost, "/api/v1/campaigns/send", 3, map[string]any{
		"campaignId": campaign.ID, "recipients": []string{"+15550003"}, "messageType": "sms",
	})
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "CAMPAIGN_CANCELLED", res.Body.Error.Code)
}

func TestOrderEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	order := f.store.SeedOrder(testutil.OrderFixture{TenantID: 2})

	res := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/transition", order.ID), 2, map[string]any{"status": "lost"})
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/transition", order.ID), 2, map[string]any{"status": "created"})
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "ILLEGAL_TRANSITION", res.Body.Error.Code)

	res = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/confirm-payment", order.ID), 2, map[string]any{"method": "bank_transfer", "reference": "TRX-9"})
	require.Equal(t, http.StatusOK, res.Status)
	o := decode[dto.OrderResponse](t, res.Body.Data)
	assert.Equal(t, "confirmed", o.Status)

	res = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/confirm-payment", order.ID), 2, map[string]any{"method": "bank_transfer"})
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "ALREADY_PAID", res.Body.Error.Code)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d/timeline", order.ID), 2, nil)
	require.Equal(t, http.StatusOK, res.Status)
	timeline := decode[dto.OrderTimelineResponse](t, res.Body.Data)
	assert.Len(t, timeline.Entries, 1)

	res = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d/timeline", order.ID), 5, nil)
	assert.Equal(t, http.StatusNotFound, res.Status)

	res = f.do(t, http.MethodGet, "/api/v1/orders/0/timeline", 2, nil)
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	order := f.store.SeedOrder(testutil.OrderFixture{})
	f.store.SeedPayment(order, "order_gw_1")

	body := testutil.PaymentEventBody("evt_1", "payment.captured", "order_gw_1", "pay_1", order.Total, order.Currency)
	sig := businessflow.SignPayload(body, webhookSecret)

	res := f.do(t, http.MethodPost, "/api/v1/webhooks/payment", 0, body, "X-Signature", sig)
	require.Equal(t, http.StatusOK, res.Status)
	ack := decode[dto.WebhookAckResponse](t, res.Body.Data)
	assert.Equal(t, "admitted", ack.Status)
	assert.Equal(t, "evt_1", ack.EventID)

	res = f.do(t, http.MethodPost, "/api/v1/webhooks/payment", 0, body, "X-Signature", sig)
	require.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "already_processed", decode[dto.WebhookAckResponse](t, res.Body.Data).Status)

	res = f.do(t, http.MethodPost, "/api/v1/webhooks/payment", 0, body, "X-Signature", "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, res.Status)

	garbage := []byte(`{"event":`)
	res = f.do(t, http.MethodPost, "/api/v1/webhooks/payment", 0, garbage, "X-Signature", businessflow.SignPayload(garbage, webhookSecret))
	assert.Equal(t, http.StatusBadRequest, res.Status)

	stored, err := f.store.Orders().ByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentStatusPaid, stored.PaymentStatus)
}

func TestDeliveryReceiptEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	res := f.do(t, http.MethodPost, "/api/v1/webhooks/messaging/receipts", 0, map[string]any{"messageId": "unknown", "type": "delivered"})
	assert.Equal(t, http.StatusNotFound, res.Status)

	res = f.do(t, http.MethodPost, "/api/v1/webhooks/messaging/receipts", 0, map[string]any{"messageId": "x", "type": "bounced"})
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "VALIDATION_ERROR", res.Body.Error.Code)
}

func TestRefundEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	order := f.store.SeedOrder(testutil.OrderFixture{TenantID: 1})
	payment := f.store.SeedCapturedPayment(order, "order_gw_1", "pay_1")
	path := fmt.Sprintf("/api/v1/payments/%d/refund", payment.ID)

	res := f.do(t, http.MethodPost, path, 1, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, res.Status)

	f.gateway.Behavior = func(services.RefundRequest) error {
		return services.NewRejectedError("gateway", 400, "refund_failed", "declined")
	}
	res = f.do(t, http.MethodPost, path, 1, map[string]any{"reason": "damaged"})
	assert.Equal(t, http.StatusBadGateway, res.Status)
	assert.Equal(t, "REFUND_FAILED", res.Body.Error.Code)

	f.gateway.Behavior = nil
	res = f.do(t, http.MethodPost, path, 1, map[string]any{"amount": order.Total * 2, "reason": "damaged"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	res = f.do(t, http.MethodPost, path, 1, map[string]any{"reason": "damaged"})
	require.Equal(t, http.StatusOK, res.Status)
	refund := decode[dto.RefundResponse](t, res.Body.Data)
	assert.Equal(t, order.Total, refund.RefundedAmount)

	res = f.do(t, http.MethodPost, path, 2, map[string]any{"reason": "damaged"})
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)
	res := f.do(t, http.MethodGet, "/api/v1/nowhere", 0, nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "NOT_FOUND", res.Body.Error.Code)
}
