package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/app/metrics"
	"github.com/amirphl/Mizuchi/app/services"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// maxLoggedPayload bounds the raw body echoed into failure logs
const maxLoggedPayload = 4096

// PaymentReconciler applies gateway notifications and refunds to payments, orders and billing
type PaymentReconciler interface {
	// HandlePaymentWebhook admits and reconciles one delivery in a single transaction
	HandlePaymentWebhook(ctx context.Context, raw []byte, signatureHeader, eventIDHeader string, metadata *ClientMetadata) (*dto.WebhookAckResponse, error)
	Reconcile(ctx context.Context, event *GatewayEvent) error
	Refund(ctx context.Context, req *dto.RefundRequest) (*dto.RefundResponse, error)
}

// PaymentReconcilerImpl implements PaymentReconciler
type PaymentReconcilerImpl struct {
	ingestor         WebhookIngestor
	stateMachine     OrderStateMachine
	paymentRepo      repository.PaymentRepository
	orderRepo        repository.OrderRepository
	subscriptionRepo repository.SubscriptionRepository
	invoiceRepo      repository.InvoiceRepository
	transactionRepo  repository.TransactionRepository
	webhookRepo      repository.WebhookEventRepository
	auditRepo        repository.AuditLogRepository
	outboxRepo       repository.OutboxEventRepository
	gateway          services.PaymentGateway
	locker           services.Locker
	retry            services.RetryPolicy
	tx               repository.Transactor
	webhookSecret    string
}

func NewPaymentReconciler(
	ingestor WebhookIngestor,
	stateMachine OrderStateMachine,
	paymentRepo repository.PaymentRepository,
	orderRepo repository.OrderRepository,
	subscriptionRepo repository.SubscriptionRepository,
	invoiceRepo repository.InvoiceRepository,
	transactionRepo repository.TransactionRepository,
	webhookRepo repository.WebhookEventRepository,
	auditRepo repository.AuditLogRepository,
	outboxRepo repository.OutboxEventRepository,
	gateway services.PaymentGateway,
	locker services.Locker,
	retry services.RetryPolicy,
	tx repository.Transactor,
	webhookSecret string,
) PaymentReconciler {
	return &PaymentReconcilerImpl{
		ingestor:         ingestor,
		stateMachine:     stateMachine,
		paymentRepo:      paymentRepo,
		orderRepo:        orderRepo,
		subscriptionRepo: subscriptionRepo,
		invoiceRepo:      invoiceRepo,
		transactionRepo:  transactionRepo,
		webhookRepo:      webhookRepo,
		auditRepo:        auditRepo,
		outboxRepo:       outboxRepo,
		gateway:          gateway,
		locker:           locker,
		retry:            retry,
		tx:               tx,
		webhookSecret:    webhookSecret,
	}
}

func (r *PaymentReconcilerImpl) HandlePaymentWebhook(ctx context.Context, raw []byte, signatureHeader, eventIDHeader string, metadata *ClientMetadata) (*dto.WebhookAckResponse, error) {
	var result *AdmissionResult
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		res, err := r.ingestor.Admit(txCtx, raw, signatureHeader, eventIDHeader, r.webhookSecret)
		if err != nil {
			return err
		}
		result = res

		if res.Status == AdmissionAlreadyProcessed {
			return nil
		}
		if !res.Event.Known() {
			log.Printf("payment webhook %s: ignoring unsupported event type %q", res.Event.ID, res.Event.Type)
			return r.webhookRepo.MarkProcessed(txCtx, res.Record.ID)
		}
		if err := r.Reconcile(txCtx, res.Event); err != nil {
			return err
		}
		return r.webhookRepo.MarkProcessed(txCtx, res.Record.ID)
	})
	if err != nil {
		eventType := "unknown"
		if result != nil {
			eventType = string(result.Event.Type)
		}
		r.recordWebhookFailure(ctx, raw, eventType, err, metadata)
		return nil, err
	}

	ack := &dto.WebhookAckResponse{
		EventID:   result.Event.ID,
		EventType: string(result.Event.Type),
		Status:    string(result.Status),
	}
	switch {
	case result.Status == AdmissionAlreadyProcessed:
		metrics.WebhookEvents.WithLabelValues(ack.EventType, metrics.WebhookDuplicate).Inc()
		log.Printf("payment webhook %s already processed", ack.EventID)
	case !result.Event.Known():
		metrics.WebhookEvents.WithLabelValues("unsupported", metrics.WebhookIgnored).Inc()
		ack.Status = "ignored"
	default:
		metrics.WebhookEvents.WithLabelValues(ack.EventType, metrics.WebhookAdmitted).Inc()
	}

	return ack, nil
}

func (r *PaymentReconcilerImpl) recordWebhookFailure(ctx context.Context, raw []byte, eventType string, err error, metadata *ClientMetadata) {
	action := models.AuditActionReconcileFailed
	result := metrics.WebhookFailed
	if IsInvalidSignature(err) || IsInvalidWebhookPayload(err) {
		action = models.AuditActionWebhookRejected
		result = metrics.WebhookRejected
		eventType = "unverified"
	}
	metrics.WebhookEvents.WithLabelValues(eventType, result).Inc()

	if action == models.AuditActionReconcileFailed {
		log.Printf("payment webhook reconciliation failed: %v; payload=%s", err, utils.Truncate(string(raw), maxLoggedPayload))
	} else {
		log.Printf("payment webhook rejected: %v", err)
	}

	// Unauthenticated requests leave no rows behind
	if IsInvalidSignature(err) || len(raw) == 0 {
		return
	}

	// The transaction rolled back; the failure is recorded on its own
	if aerr := writeAudit(ctx, r.auditRepo, auditEntry{
		EntityType:  models.AuditEntityWebhook,
		Action:      action,
		Actor:       utils.GatewayActor,
		Description: fmt.Sprintf("%s webhook not applied", eventType),
		Err:         err,
	}, metadata); aerr != nil {
		log.Printf("failed to write webhook audit entry: %v", aerr)
	}
}

// Reconcile applies one gateway event; it joins the transaction carried by ctx
func (r *PaymentReconcilerImpl) Reconcile(ctx context.Context, event *GatewayEvent) error {
	return r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		switch event.Type {
		case GatewayEventPaymentCaptured:
			return r.reconcileCaptured(txCtx, event)
		case GatewayEventPaymentFailed:
			return r.reconcileFailed(txCtx, event)
		case GatewayEventRefundProcessed:
			return r.reconcileRefund(txCtx, event)
		default:
			return nil
		}
	})
}

func (r *PaymentReconcilerImpl) reconcileCaptured(ctx context.Context, event *GatewayEvent) error {
	pe := event.Payment
	payment, err := r.paymentRepo.ByGatewayOrderRefForUpdate(ctx, pe.GatewayOrderRef)
	if err != nil {
		return err
	}
	if payment == nil {
		return NewBusinessErrorf("ORDER_NOT_FOUND", "no payment for gateway order %s", ErrOrderNotFound, pe.GatewayOrderRef)
	}

	switch payment.Status {
	case models.PaymentStatusCaptured, models.PaymentStatusRefunded:
		log.Printf("payment %d already %s, skipping capture event %s", payment.ID, payment.Status, event.ID)
		return nil
	case models.PaymentStatusFailed:
		return NewBusinessErrorf("PAYMENT_STATE_CONFLICT", "payment %d is failed, cannot capture", ErrPaymentStateConflict, payment.ID)
	}

	if pe.Amount != payment.Amount || (pe.Currency != "" && !strings.EqualFold(pe.Currency, payment.Currency)) {
		return NewBusinessErrorf("AMOUNT_MISMATCH", "captured %d %s, expected %d %s", ErrAmountMismatch,
			pe.Amount, pe.Currency, payment.Amount, payment.Currency)
	}

	now := utils.UTCNow()
	payment.Status = models.PaymentStatusCaptured
	payment.CapturedAt = &now
	if pe.GatewayPaymentRef != "" {
		payment.GatewayPaymentRef = utils.ToPtr(pe.GatewayPaymentRef)
	}
	if pe.Method != "" {
		payment.Method = utils.ToPtr(pe.Method)
	}
	if err := r.paymentRepo.Update(ctx, payment); err != nil {
		return err
	}

	order, err := r.stateMachine.ConfirmPayment(ctx, payment.TenantID, payment.OrderID, pe.Method, pe.GatewayPaymentRef, utils.GatewayActor)
	if err != nil {
		return err
	}

	if order.IsPlanPurchase() {
		if err := r.activatePlan(ctx, order, payment, now); err != nil {
			return err
		}
	}

	if err := r.transactionRepo.Save(ctx, &models.Transaction{
		TenantID:  payment.TenantID,
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Type:      models.TransactionTypeCapture,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Reference: pe.GatewayPaymentRef,
	}); err != nil {
		return err
	}

	if err := writeAudit(ctx, r.auditRepo, auditEntry{
		TenantID:    &payment.TenantID,
		EntityType:  models.AuditEntityPayment,
		EntityID:    &payment.ID,
		Action:      models.AuditActionPaymentCaptured,
		Actor:       utils.GatewayActor,
		Description: fmt.Sprintf("payment captured for order %s", order.OrderNumber),
		Metadata:    map[string]any{"eventId": event.ID, "gatewayPaymentRef": pe.GatewayPaymentRef, "amount": pe.Amount},
	}, nil); err != nil {
		return err
	}

	return writeOutbox(ctx, r.outboxRepo, models.AuditEntityPayment, payment.ID, models.EventPaymentCaptured, map[string]any{
		"paymentId": payment.ID,
		"orderId":   order.ID,
		"tenantId":  payment.TenantID,
		"amount":    payment.Amount,
		"currency":  payment.Currency,
		"method":    pe.Method,
	})
}

// activatePlan creates or extends the tenant's subscription and marks the order's invoice paid
func (r *PaymentReconcilerImpl) activatePlan(ctx context.Context, order *models.Order, payment *models.Payment, now time.Time) error {
	planCode := *order.PlanCode
	sub, err := r.subscriptionRepo.ActiveByTenantForUpdate(ctx, order.TenantID, planCode)
	if err != nil {
		return err
	}
	if sub == nil {
		if err := r.subscriptionRepo.Save(ctx, &models.Subscription{
			TenantID:           order.TenantID,
			PlanCode:           planCode,
			OrderID:            order.ID,
			Status:             models.SubscriptionStatusActive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.Add(utils.PlanPeriod),
		}); err != nil {
			return err
		}
	} else {
		start := sub.CurrentPeriodEnd
		if start.Before(now) {
			start = now
			sub.CurrentPeriodStart = now
		}
		sub.CurrentPeriodEnd = start.Add(utils.PlanPeriod)
		sub.OrderID = order.ID
		if err := r.subscriptionRepo.Update(ctx, sub); err != nil {
			return err
		}
	}

	invoice, err := r.invoiceRepo.ByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	if invoice == nil {
		return r.invoiceRepo.Save(ctx, &models.Invoice{
			TenantID:      order.TenantID,
			OrderID:       order.ID,
			InvoiceNumber: utils.InvoiceNumberPrefix + order.OrderNumber,
			Amount:        payment.Amount,
			Currency:      payment.Currency,
			Status:        models.InvoiceStatusPaid,
			PaidAt:        &now,
		})
	}
	if invoice.Status == models.InvoiceStatusPaid {
		return nil
	}
	invoice.Status = models.InvoiceStatusPaid
	invoice.PaidAt = &now
	return r.invoiceRepo.Update(ctx, invoice)
}

func (r *PaymentReconcilerImpl) reconcileFailed(ctx context.Context, event *GatewayEvent) error {
	pe := event.Payment
	payment, err := r.paymentRepo.ByGatewayOrderRefForUpdate(ctx, pe.GatewayOrderRef)
	if err != nil {
		return err
	}
	if payment == nil {
		return NewBusinessErrorf("ORDER_NOT_FOUND", "no payment for gateway order %s", ErrOrderNotFound, pe.GatewayOrderRef)
	}

	switch payment.Status {
	case models.PaymentStatusFailed:
		return nil
	case models.PaymentStatusCaptured, models.PaymentStatusRefunded:
		log.Printf("payment %d is %s, ignoring failure event %s", payment.ID, payment.Status, event.ID)
		return nil
	}

	reason := pe.ErrorDescription
	if reason == "" {
		reason = pe.ErrorCode
	}
	now := utils.UTCNow()
	payment.Status = models.PaymentStatusFailed
	payment.FailedAt = &now
	if reason != "" {
		payment.FailureReason = utils.ToPtr(utils.Truncate(reason, utils.MaxErrorMessageLength))
	}
	if pe.GatewayPaymentRef != "" {
		payment.GatewayPaymentRef = utils.ToPtr(pe.GatewayPaymentRef)
	}
	if err := r.paymentRepo.Update(ctx, payment); err != nil {
		return err
	}

	order, err := r.orderRepo.ByIDForUpdate(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return NewBusinessErrorf("ORDER_NOT_FOUND", "order %d not found", ErrOrderNotFound, payment.OrderID)
	}
	if order.PaymentStatus != models.OrderPaymentStatusPaid && order.PaymentStatus != models.OrderPaymentStatusRefunded {
		order.PaymentStatus = models.OrderPaymentStatusFailed
		if err := r.orderRepo.Update(ctx, order); err != nil {
			return err
		}
	}

	if err := writeAudit(ctx, r.auditRepo, auditEntry{
		TenantID:    &payment.TenantID,
		EntityType:  models.AuditEntityPayment,
		EntityID:    &payment.ID,
		Action:      models.AuditActionPaymentFailed,
		Actor:       utils.GatewayActor,
		Description: fmt.Sprintf("payment failed for order %s", order.OrderNumber),
		Metadata:    map[string]any{"eventId": event.ID, "reason": reason},
	}, nil); err != nil {
		return err
	}

	return writeOutbox(ctx, r.outboxRepo, models.AuditEntityPayment, payment.ID, models.EventPaymentFailed, map[string]any{
		"paymentId": payment.ID,
		"orderId":   order.ID,
		"tenantId":  payment.TenantID,
		"reason":    reason,
	})
}

func (r *PaymentReconcilerImpl) reconcileRefund(ctx context.Context, event *GatewayEvent) error {
	re := event.Refund
	payment, err := r.paymentRepo.ByGatewayPaymentRefForUpdate(ctx, re.GatewayPaymentRef)
	if err != nil {
		return err
	}
	if payment == nil {
		return NewBusinessErrorf("PAYMENT_NOT_FOUND", "no payment with gateway ref %s", ErrPaymentNotFound, re.GatewayPaymentRef)
	}
	if payment.Status == models.PaymentStatusRefunded {
		return nil
	}
	if !payment.IsCaptured() {
		return NewBusinessErrorf("PAYMENT_STATE_CONFLICT", "payment %d is %s, cannot refund", ErrPaymentStateConflict, payment.ID, payment.Status)
	}

	amount := re.Amount
	if amount <= 0 {
		amount = payment.RefundableAmount()
	}
	if amount > payment.RefundableAmount() {
		return NewBusinessErrorf("AMOUNT_MISMATCH", "refund of %d exceeds refundable %d", ErrAmountMismatch, amount, payment.RefundableAmount())
	}

	return r.applyRefund(ctx, payment, amount, re.RefundID, "", utils.GatewayActor)
}

// applyRefund records a gateway-confirmed refund; ctx must carry a transaction holding the payment lock
func (r *PaymentReconcilerImpl) applyRefund(ctx context.Context, payment *models.Payment, amount int64, reference, reason, actor string) error {
	now := utils.UTCNow()
	payment.Status = models.PaymentStatusRefunded
	payment.RefundedAmount += amount
	payment.RefundedAt = &now
	if reference != "" {
		payment.RefundReference = utils.ToPtr(reference)
	}
	if reason != "" {
		payment.RefundReason = utils.ToPtr(reason)
	}
	if err := r.paymentRepo.Update(ctx, payment); err != nil {
		return err
	}

	order, err := r.orderRepo.ByIDForUpdate(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return NewBusinessErrorf("ORDER_NOT_FOUND", "order %d not found", ErrOrderNotFound, payment.OrderID)
	}
	order.PaymentStatus = models.OrderPaymentStatusRefunded
	if err := r.orderRepo.Update(ctx, order); err != nil {
		return err
	}

	invoice, err := r.invoiceRepo.ByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	if invoice != nil && invoice.Status != models.InvoiceStatusRefunded {
		invoice.Status = models.InvoiceStatusRefunded
		invoice.RefundedAt = &now
		if err := r.invoiceRepo.Update(ctx, invoice); err != nil {
			return err
		}
	}

	if err := r.transactionRepo.Save(ctx, &models.Transaction{
		TenantID:  payment.TenantID,
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Type:      models.TransactionTypeRefund,
		Amount:    amount,
		Currency:  payment.Currency,
		Reference: reference,
	}); err != nil {
		return err
	}

	if err := writeAudit(ctx, r.auditRepo, auditEntry{
		TenantID:    &payment.TenantID,
		EntityType:  models.AuditEntityPayment,
		EntityID:    &payment.ID,
		Action:      models.AuditActionPaymentRefunded,
		Actor:       actor,
		Description: fmt.Sprintf("refunded %d %s for order %s", amount, payment.Currency, order.OrderNumber),
		Metadata:    map[string]any{"amount": amount, "reference": reference, "reason": reason},
	}, nil); err != nil {
		return err
	}

	return writeOutbox(ctx, r.outboxRepo, models.AuditEntityPayment, payment.ID, models.EventPaymentRefunded, map[string]any{
		"paymentId": payment.ID,
		"orderId":   order.ID,
		"tenantId":  payment.TenantID,
		"amount":    amount,
		"currency":  payment.Currency,
		"reference": reference,
	})
}

// Refund asks the gateway to refund a captured payment, then records it locally.
// A gateway failure leaves every local row unchanged.
func (r *PaymentReconcilerImpl) Refund(ctx context.Context, req *dto.RefundRequest) (*dto.RefundResponse, error) {
	payment, err := r.paymentRepo.ByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.TenantID != req.TenantID {
		return nil, NewBusinessErrorf("PAYMENT_NOT_FOUND", "payment %d not found", ErrPaymentNotFound, req.PaymentID)
	}
	amount, err := refundAmount(payment, req.Amount)
	if err != nil {
		return nil, err
	}

	release, err := r.locker.Acquire(ctx, fmt.Sprintf("%s%d", utils.RefundLockKeyPrefix, payment.ID), utils.RefundLockTTL)
	if err != nil {
		if errors.Is(err, services.ErrLockBusy) {
			metrics.Refunds.WithLabelValues("busy").Inc()
			return nil, NewBusinessErrorf("REFUND_IN_PROGRESS", "payment %d is being refunded", ErrRefundInProgress, payment.ID)
		}
		return nil, err
	}
	defer release()

	// Another refund may have finished between the first read and the lock
	payment, err = r.paymentRepo.ByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if amount, err = refundAmount(payment, req.Amount); err != nil {
		return nil, err
	}

	gatewayReq := services.RefundRequest{
		GatewayPaymentRef: utils.Deref(payment.GatewayPaymentRef),
		Amount:            amount,
		Currency:          payment.Currency,
		Reason:            req.Reason,
		IdempotencyKey:    fmt.Sprintf("%s:%d", payment.UUID, amount),
	}
	result, err := services.Execute(ctx, r.retry, func(ctx context.Context) (*services.RefundResult, error) {
		return r.gateway.Refund(ctx, gatewayReq)
	})
	if err != nil {
		metrics.Refunds.WithLabelValues("gateway_error").Inc()
		log.Printf("refund of payment %d failed at the gateway: %v", payment.ID, err)
		if aerr := writeAudit(ctx, r.auditRepo, auditEntry{
			TenantID:    &payment.TenantID,
			EntityType:  models.AuditEntityPayment,
			EntityID:    &payment.ID,
			Action:      models.AuditActionRefundFailed,
			Actor:       req.Actor,
			Description: fmt.Sprintf("gateway refund of %d %s failed", amount, payment.Currency),
			Err:         err,
		}, nil); aerr != nil {
			log.Printf("failed to write refund audit entry: %v", aerr)
		}
		return nil, NewBusinessError("REFUND_FAILED", "gateway refund failed", err)
	}

	var refunded *models.Payment
	err = r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		locked, err := r.paymentRepo.ByIDForUpdate(txCtx, payment.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return NewBusinessErrorf("PAYMENT_NOT_FOUND", "payment %d not found", ErrPaymentNotFound, payment.ID)
		}
		refunded = locked
		// refund.processed from the gateway got here first
		if locked.Status == models.PaymentStatusRefunded {
			return nil
		}
		if !locked.IsCaptured() {
			return NewBusinessErrorf("PAYMENT_STATE_CONFLICT", "payment %d is %s, cannot refund", ErrPaymentStateConflict, locked.ID, locked.Status)
		}
		return r.applyRefund(txCtx, locked, amount, result.RefundID, req.Reason, req.Actor)
	})
	if err != nil {
		metrics.Refunds.WithLabelValues("local_error").Inc()
		return nil, err
	}
	metrics.Refunds.WithLabelValues("refunded").Inc()

	return &dto.RefundResponse{
		PaymentID:       refunded.ID,
		Status:          string(refunded.Status),
		RefundedAmount:  refunded.RefundedAmount,
		RefundReference: utils.Deref(refunded.RefundReference),
		RefundedAt:      refunded.RefundedAt,
	}, nil
}

// refundAmount resolves the requested amount; zero means the full refundable amount
func refundAmount(payment *models.Payment, requested int64) (int64, error) {
	if payment == nil || !payment.IsCaptured() || payment.GatewayPaymentRef == nil {
		return 0, NewBusinessError("PAYMENT_NOT_REFUNDABLE", "payment must be captured before it can be refunded", ErrPaymentNotRefundable)
	}
	refundable := payment.RefundableAmount()
	if requested == 0 {
		requested = refundable
	}
	if requested <= 0 || requested > refundable {
		return 0, NewBusinessErrorf("REFUND_AMOUNT_INVALID", "refund amount must be between 1 and %d", ErrRefundAmountInvalid, refundable)
	}
	return requested, nil
}
