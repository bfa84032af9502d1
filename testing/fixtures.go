package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/utils"
)

// OrderFixture describes an order to seed; zero values get sensible defaults
type OrderFixture struct {
	TenantID      uint
	Status        models.OrderStatus
	PaymentStatus models.OrderPaymentStatus
	Total         int64
	Currency      string
	PlanCode      string
}

func (s *MemoryStore) SeedCampaign(tenantID uint, name string, status models.CampaignStatus) *models.Campaign {
	c := &models.Campaign{TenantID: tenantID, Name: name, Status: status}
	if status == models.CampaignStatusRunning {
		c.StartedAt = utils.UTCNowPtr()
	}
	mustSeed(s.Campaigns().Save(context.Background(), c))
	return c
}

// SeedQueueItems enqueues one pending item per recipient and grows the campaign target to match
func (s *MemoryStore) SeedQueueItems(campaign *models.Campaign, maxAttempts int, recipients ...string) []uint {
	ctx := context.Background()
	items := make([]*models.MessageQueueItem, 0, len(recipients))
	for _, r := range recipients {
		items = append(items, &models.MessageQueueItem{
			TenantID:    campaign.TenantID,
			CampaignID:  utils.ToPtr(campaign.ID),
			Recipient:   r,
			MessageType: "sms",
			Payload:     json.RawMessage(`{"text":"hello"}`),
			MaxAttempts: maxAttempts,
		})
	}
	ids, err := s.Queue().Enqueue(ctx, items)
	mustSeed(err)

	c, err := s.Campaigns().ByID(ctx, campaign.ID)
	mustSeed(err)
	c.TargetCount += int64(len(ids))
	c.Status = models.CampaignStatusRunning
	mustSeed(s.Campaigns().Update(ctx, c))
	*campaign = *c
	return ids
}

func (s *MemoryStore) SeedOrder(f OrderFixture) *models.Order {
	if f.TenantID == 0 {
		f.TenantID = 1
	}
	if f.Status == "" {
		f.Status = models.OrderStatusPending
	}
	if f.PaymentStatus == "" {
		f.PaymentStatus = models.OrderPaymentStatusUnpaid
	}
	if f.Total == 0 {
		f.Total = 50000
	}
	if f.Currency == "" {
		f.Currency = "INR"
	}

	s.mu.Lock()
	next := s.state.orders.next + 1
	s.mu.Unlock()

	o := &models.Order{
		TenantID:      f.TenantID,
		OrderNumber:   fmt.Sprintf("ORD-%05d", next),
		Status:        f.Status,
		PaymentStatus: f.PaymentStatus,
		Subtotal:      f.Total,
		Total:         f.Total,
		Currency:      f.Currency,
		CustomerName:  "Test Customer",
		CustomerPhone: "+15550100",
	}
	if f.PlanCode != "" {
		o.PlanCode = utils.ToPtr(f.PlanCode)
	}
	mustSeed(s.Orders().Save(context.Background(), o))
	return o
}

// SeedPayment creates a gateway payment attempt for order in the created state
func (s *MemoryStore) SeedPayment(order *models.Order, gatewayOrderRef string) *models.Payment {
	p := &models.Payment{
		TenantID:        order.TenantID,
		OrderID:         order.ID,
		GatewayOrderRef: gatewayOrderRef,
		Amount:          order.Total,
		Currency:        order.Currency,
		Status:          models.PaymentStatusCreated,
	}
	mustSeed(s.Payments().Save(context.Background(), p))
	return p
}

// SeedCapturedPayment creates a payment the gateway already captured, with its order marked paid
func (s *MemoryStore) SeedCapturedPayment(order *models.Order, gatewayOrderRef, gatewayPaymentRef string) *models.Payment {
	ctx := context.Background()
	now := utils.UTCNow()
	p := &models.Payment{
		TenantID:          order.TenantID,
		OrderID:           order.ID,
		GatewayOrderRef:   gatewayOrderRef,
		GatewayPaymentRef: utils.ToPtr(gatewayPaymentRef),
		Amount:            order.Total,
		Currency:          order.Currency,
		Status:            models.PaymentStatusCaptured,
		CapturedAt:        &now,
	}
	mustSeed(s.Payments().Save(ctx, p))

	order.Status = models.OrderStatusConfirmed
	order.PaymentStatus = models.OrderPaymentStatusPaid
	mustSeed(s.Orders().Update(ctx, order))
	return p
}

// PaymentEventBody renders a payment.* gateway notification
func PaymentEventBody(eventID, eventType, gatewayOrderRef, gatewayPaymentRef string, amount int64, currency string) []byte {
	return marshalEvent(dto.GatewayWebhookPayload{
		ID:        eventID,
		Event:     eventType,
		CreatedAt: time.Now().Unix(),
		Payload: dto.GatewayWebhookEntries{
			Payment: &dto.GatewayPaymentEntity{
				ID:       gatewayPaymentRef,
				OrderID:  gatewayOrderRef,
				Amount:   amount,
				Currency: currency,
				Status:   "captured",
				Method:   "card",
			},
		},
	})
}

// RefundEventBody renders a refund.processed gateway notification
func RefundEventBody(eventID, refundID, gatewayPaymentRef string, amount int64, currency string) []byte {
	return marshalEvent(dto.GatewayWebhookPayload{
		ID:        eventID,
		Event:     "refund.processed",
		CreatedAt: time.Now().Unix(),
		Payload: dto.GatewayWebhookEntries{
			Refund: &dto.GatewayRefundEntity{
				ID:        refundID,
				PaymentID: gatewayPaymentRef,
				Amount:    amount,
				Currency:  currency,
			},
		},
	})
}

func marshalEvent(p dto.GatewayWebhookPayload) []byte {
	b, err := json.Marshal(p)
	mustSeed(err)
	return b
}

func mustSeed(err error) {
	if err != nil {
		panic(fmt.Sprintf("seeding test data: %v", err))
	}
}
