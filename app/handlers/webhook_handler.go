package handlers

import (
	"log"

	"github.com/amirphl/Mizuchi/app/dto"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/config"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// WebhookHandlerInterface defines the contract for inbound provider callbacks
type WebhookHandlerInterface interface {
	PaymentWebhook(c fiber.Ctx) error
	DeliveryReceipt(c fiber.Ctx) error
}

// WebhookHandler receives payment gateway and messaging provider callbacks
type WebhookHandler struct {
	reconciler businessflow.PaymentReconciler
	aggregator businessflow.CampaignAggregator
	cfg        config.WebhookConfig
	validator  *validator.Validate
}

func NewWebhookHandler(reconciler businessflow.PaymentReconciler, aggregator businessflow.CampaignAggregator, cfg config.WebhookConfig) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		aggregator: aggregator,
		cfg:        cfg,
		validator:  validator.New(),
	}
}

// PaymentWebhook verifies, deduplicates and reconciles one gateway notification.
// Any non-2xx answer makes the gateway retry the delivery.
// @Summary Payment Gateway Webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.WebhookAckResponse}
// @Failure 400 {object} dto.APIResponse
// @Failure 401 {object} dto.APIResponse
// @Failure 500 {object} dto.APIResponse
// @Router /api/v1/webhooks/payment [post]
func (h *WebhookHandler) PaymentWebhook(c fiber.Ctx) error {
	// fiber reuses the body buffer after the handler returns
	raw := append([]byte(nil), c.Body()...)

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	ack, err := h.reconciler.HandlePaymentWebhook(ctx, raw, c.Get(h.cfg.SignatureHeader), c.Get(h.cfg.EventIDHeader), clientMetadata(c))
	if err != nil {
		switch {
		case businessflow.IsInvalidSignature(err):
			return errorResponse(c, fiber.StatusUnauthorized, "Invalid signature", "INVALID_SIGNATURE", nil)
		case businessflow.IsInvalidWebhookPayload(err):
			return errorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", "INVALID_PAYLOAD", err.Error())
		}
		return errorResponse(c, fiber.StatusInternalServerError, "Webhook processing failed", "WEBHOOK_PROCESSING_FAILED", nil)
	}

	return successResponse(c, fiber.StatusOK, "Webhook processed", ack)
}

// DeliveryReceipt applies a delivered, read or clicked receipt to the item's campaign
// @Summary Messaging Delivery Receipt
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body dto.DeliveryReceiptRequest true "Receipt"
// @Success 200 {object} dto.APIResponse{data=dto.DeliveryReceiptResponse}
// @Failure 400 {object} dto.APIResponse
// @Failure 401 {object} dto.APIResponse
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/webhooks/messaging/receipts [post]
func (h *WebhookHandler) DeliveryReceipt(c fiber.Ctx) error {
	if h.cfg.ReceiptSecret != "" && !businessflow.VerifySignature(c.Body(), c.Get(h.cfg.SignatureHeader), h.cfg.ReceiptSecret) {
		return errorResponse(c, fiber.StatusUnauthorized, "Invalid signature", "INVALID_SIGNATURE", nil)
	}

	var req dto.DeliveryReceiptRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.aggregator.ApplyReceipt(ctx, &req)
	if err != nil {
		switch {
		case businessflow.IsQueueItemNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Unknown message id", "QUEUE_ITEM_NOT_FOUND", nil)
		case businessflow.IsInvalidWebhookPayload(err):
			return errorResponse(c, fiber.StatusBadRequest, err.Error(), "INVALID_RECEIPT", nil)
		}
		log.Println("Delivery receipt failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Receipt processing failed", "RECEIPT_PROCESSING_FAILED", nil)
	}

	return successResponse(c, fiber.StatusOK, "Receipt processed", result)
}
