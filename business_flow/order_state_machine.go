package businessflow

import (
	"context"
	"fmt"
	"log"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// OrderStateMachine owns every order status change
type OrderStateMachine interface {
	Transition(ctx context.Context, tenantID, orderID uint, newStatus models.OrderStatus, note, actor string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, tenantID, orderID uint, method, reference, actor string) (*models.Order, error)
	Timeline(ctx context.Context, tenantID, orderID uint) ([]*models.OrderTimelineEntry, error)
}

// OrderStateMachineImpl implements OrderStateMachine
type OrderStateMachineImpl struct {
	orderRepo    repository.OrderRepository
	timelineRepo repository.OrderTimelineRepository
	auditRepo    repository.AuditLogRepository
	outboxRepo   repository.OutboxEventRepository
	tx           repository.Transactor
}

func NewOrderStateMachine(
	orderRepo repository.OrderRepository,
	timelineRepo repository.OrderTimelineRepository,
	auditRepo repository.AuditLogRepository,
	outboxRepo repository.OutboxEventRepository,
	tx repository.Transactor,
) OrderStateMachine {
	return &OrderStateMachineImpl{
		orderRepo:    orderRepo,
		timelineRepo: timelineRepo,
		auditRepo:    auditRepo,
		outboxRepo:   outboxRepo,
		tx:           tx,
	}
}

// orderTransitions lists the statuses reachable from each status.
// Forward moves along created, pending, paid, confirmed, shipped, delivered may skip steps.
var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusCreated: {
		models.OrderStatusPending, models.OrderStatusPaid, models.OrderStatusConfirmed,
		models.OrderStatusShipped, models.OrderStatusDelivered, models.OrderStatusCancelled,
	},
	models.OrderStatusPending: {
		models.OrderStatusPaid, models.OrderStatusConfirmed, models.OrderStatusShipped,
		models.OrderStatusDelivered, models.OrderStatusCancelled,
	},
	models.OrderStatusPaid: {
		models.OrderStatusConfirmed, models.OrderStatusShipped, models.OrderStatusDelivered,
		models.OrderStatusCancelled, models.OrderStatusRefunded,
	},
	models.OrderStatusConfirmed: {
		models.OrderStatusShipped, models.OrderStatusDelivered,
		models.OrderStatusCancelled, models.OrderStatusRefunded,
	},
	models.OrderStatusShipped: {
		models.OrderStatusDelivered, models.OrderStatusCancelled, models.OrderStatusRefunded,
	},
	models.OrderStatusDelivered: {models.OrderStatusRefunded},
	models.OrderStatusRefunded:  {models.OrderStatusCancelled},
	// cancelled is sticky; re-cancelling is accepted and still recorded
	models.OrderStatusCancelled: {models.OrderStatusCancelled},
}

// CanTransition reports whether from may move to to
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// derivedPaymentStatus is the paymentStatus implied by entering status, if any
func derivedPaymentStatus(status models.OrderStatus) (models.OrderPaymentStatus, bool) {
	switch status {
	case models.OrderStatusPaid, models.OrderStatusConfirmed:
		return models.OrderPaymentStatusPaid, true
	case models.OrderStatusRefunded:
		return models.OrderPaymentStatusRefunded, true
	}
	return "", false
}

// Transition moves an order to newStatus and records timeline, audit and outbox rows in one transaction
func (m *OrderStateMachineImpl) Transition(ctx context.Context, tenantID, orderID uint, newStatus models.OrderStatus, note, actor string) (*models.Order, error) {
	if !newStatus.Valid() {
		return nil, NewBusinessErrorf("INVALID_ORDER_STATUS", "unknown order status %q", ErrInvalidOrderStatus, newStatus)
	}

	var order *models.Order
	err := m.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		o, err := m.lockOrder(txCtx, tenantID, orderID)
		if err != nil {
			return err
		}

		if o.Status == models.OrderStatusCancelled && newStatus != models.OrderStatusCancelled {
			return NewBusinessErrorf("ORDER_CANCELLED", "order %d is cancelled", ErrOrderCancelled, orderID)
		}
		if !CanTransition(o.Status, newStatus) {
			return NewBusinessErrorf("ILLEGAL_TRANSITION", "cannot move order from %s to %s", ErrIllegalTransition, o.Status, newStatus)
		}

		if err := m.apply(txCtx, o, newStatus, note, actor); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// ConfirmPayment records a payment method and reference and marks the order paid.
// An order that can still advance moves to confirmed; one already past confirmed keeps its status.
func (m *OrderStateMachineImpl) ConfirmPayment(ctx context.Context, tenantID, orderID uint, method, reference, actor string) (*models.Order, error) {
	var order *models.Order
	err := m.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		o, err := m.lockOrder(txCtx, tenantID, orderID)
		if err != nil {
			return err
		}

		if o.PaymentStatus == models.OrderPaymentStatusPaid {
			return NewBusinessErrorf("ALREADY_PAID", "order %d is already paid", ErrAlreadyPaid, orderID)
		}
		if o.Status == models.OrderStatusCancelled {
			return NewBusinessErrorf("ORDER_CANCELLED", "order %d is cancelled", ErrOrderCancelled, orderID)
		}

		if method != "" {
			o.PaymentMethod = utils.ToPtr(method)
		}
		if reference != "" {
			o.PaymentReference = utils.ToPtr(reference)
		}

		switch {
		case CanTransition(o.Status, models.OrderStatusConfirmed):
			if err := m.apply(txCtx, o, models.OrderStatusConfirmed, "payment confirmed", actor); err != nil {
				return err
			}
		case o.Status == models.OrderStatusConfirmed || o.Status == models.OrderStatusShipped || o.Status == models.OrderStatusDelivered:
			o.PaymentStatus = models.OrderPaymentStatusPaid
			if err := m.orderRepo.Update(txCtx, o); err != nil {
				return err
			}
		default:
			return NewBusinessErrorf("ILLEGAL_TRANSITION", "cannot confirm payment for a %s order", ErrIllegalTransition, o.Status)
		}

		if err := writeAudit(txCtx, m.auditRepo, auditEntry{
			TenantID:    &o.TenantID,
			EntityType:  models.AuditEntityOrder,
			EntityID:    &o.ID,
			Action:      models.AuditActionPaymentConfirmed,
			Actor:       actor,
			Description: fmt.Sprintf("payment confirmed via %s", method),
			Metadata:    map[string]string{"method": method, "reference": reference},
		}, nil); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// Timeline lists an order's status history, oldest first
func (m *OrderStateMachineImpl) Timeline(ctx context.Context, tenantID, orderID uint) ([]*models.OrderTimelineEntry, error) {
	o, err := m.orderRepo.ByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil || o.TenantID != tenantID {
		return nil, NewBusinessErrorf("ORDER_NOT_FOUND", "order %d not found", ErrOrderNotFound, orderID)
	}
	return m.timelineRepo.ListByOrder(ctx, orderID)
}

func (m *OrderStateMachineImpl) lockOrder(ctx context.Context, tenantID, orderID uint) (*models.Order, error) {
	o, err := m.orderRepo.ByIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil || o.TenantID != tenantID {
		return nil, NewBusinessErrorf("ORDER_NOT_FOUND", "order %d not found", ErrOrderNotFound, orderID)
	}
	return o, nil
}

// apply writes the new status with its timeline, audit and outbox rows; ctx must carry a transaction
func (m *OrderStateMachineImpl) apply(ctx context.Context, o *models.Order, newStatus models.OrderStatus, note, actor string) error {
	previous := o.Status
	o.Status = newStatus
	if ps, ok := derivedPaymentStatus(newStatus); ok {
		o.PaymentStatus = ps
	}

	if err := m.orderRepo.Update(ctx, o); err != nil {
		return err
	}

	actor = actorOrSystem(actor)
	if err := m.timelineRepo.Save(ctx, &models.OrderTimelineEntry{
		OrderID: o.ID,
		Status:  newStatus,
		Note:    note,
		Actor:   actor,
	}); err != nil {
		return err
	}

	if err := writeAudit(ctx, m.auditRepo, auditEntry{
		TenantID:    &o.TenantID,
		EntityType:  models.AuditEntityOrder,
		EntityID:    &o.ID,
		Action:      models.AuditActionOrderStatusChanged,
		Actor:       actor,
		Description: fmt.Sprintf("order %s: %s -> %s", o.OrderNumber, previous, newStatus),
		Metadata:    map[string]string{"from": string(previous), "to": string(newStatus), "note": note},
	}, nil); err != nil {
		return err
	}

	if err := writeOutbox(ctx, m.outboxRepo, models.AuditEntityOrder, o.ID, models.EventOrderStatusChanged, map[string]any{
		"orderId":       o.ID,
		"orderNumber":   o.OrderNumber,
		"tenantId":      o.TenantID,
		"from":          previous,
		"to":            newStatus,
		"paymentStatus": o.PaymentStatus,
		"actor":         actor,
	}); err != nil {
		return err
	}

	log.Printf("order %d moved %s -> %s by %s", o.ID, previous, newStatus, actor)
	return nil
}

// ToOrderResponse converts an order model to its API representation
func ToOrderResponse(o *models.Order) *dto.OrderResponse {
	return &dto.OrderResponse{
		ID:               o.ID,
		UUID:             o.UUID.String(),
		OrderNumber:      o.OrderNumber,
		Status:           string(o.Status),
		PaymentStatus:    string(o.PaymentStatus),
		PaymentMethod:    o.PaymentMethod,
		PaymentReference: o.PaymentReference,
		Total:            o.Total,
		Currency:         o.Currency,
		UpdatedAt:        o.UpdatedAt,
	}
}

func ToOrderTimelineResponse(orderID uint, entries []*models.OrderTimelineEntry) *dto.OrderTimelineResponse {
	resp := &dto.OrderTimelineResponse{OrderID: orderID, Entries: make([]dto.TimelineEntryDTO, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, dto.TimelineEntryDTO{
			Status:    string(e.Status),
			Note:      e.Note,
			Actor:     e.Actor,
			CreatedAt: e.CreatedAt,
		})
	}
	return resp
}
