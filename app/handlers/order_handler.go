package handlers

import (
	"log"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/app/middleware"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// OrderHandlerInterface defines the contract for order lifecycle and refund handlers
type OrderHandlerInterface interface {
	Transition(c fiber.Ctx) error
	ConfirmPayment(c fiber.Ctx) error
	Timeline(c fiber.Ctx) error
	Refund(c fiber.Ctx) error
}

// OrderHandler handles order status changes, manual payment confirmation and refunds
type OrderHandler struct {
	stateMachine businessflow.OrderStateMachine
	reconciler   businessflow.PaymentReconciler
	validator    *validator.Validate
}

func NewOrderHandler(stateMachine businessflow.OrderStateMachine, reconciler businessflow.PaymentReconciler) *OrderHandler {
	return &OrderHandler{
		stateMachine: stateMachine,
		reconciler:   reconciler,
		validator:    validator.New(),
	}
}

// Transition moves an order to a new status
// @Summary Transition Order
// @Tags Orders
// @Accept json
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param id path int true "Order ID"
// @Param request body dto.TransitionOrderRequest true "Target status"
// @Success 200 {object} dto.APIResponse{data=dto.OrderResponse}
// @Failure 404 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse
// @Router /api/v1/orders/{id}/transition [post]
func (h *OrderHandler) Transition(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid order id", "INVALID_ORDER_ID", err.Error())
	}
	var req dto.TransitionOrderRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}
	req.TenantID = tenantID
	req.OrderID = orderID
	req.Actor = middleware.GetActor(c)

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	order, err := h.stateMachine.Transition(ctx, req.TenantID, req.OrderID, models.OrderStatus(req.Status), req.Note, req.Actor)
	if err != nil {
		return h.orderError(c, err, "Order transition failed")
	}

	return successResponse(c, fiber.StatusOK, "Order status updated", businessflow.ToOrderResponse(order))
}

// ConfirmPayment records an out-of-band payment and confirms the order
// @Summary Confirm Order Payment
// @Tags Orders
// @Accept json
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param id path int true "Order ID"
// @Param request body dto.ConfirmPaymentRequest true "Payment details"
// @Success 200 {object} dto.APIResponse{data=dto.OrderResponse}
// @Failure 404 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse
// @Router /api/v1/orders/{id}/confirm-payment [post]
func (h *OrderHandler) ConfirmPayment(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid order id", "INVALID_ORDER_ID", err.Error())
	}
	var req dto.ConfirmPaymentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}
	req.TenantID = tenantID
	req.OrderID = orderID
	req.Actor = middleware.GetActor(c)

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	order, err := h.stateMachine.ConfirmPayment(ctx, req.TenantID, req.OrderID, req.Method, req.Reference, req.Actor)
	if err != nil {
		return h.orderError(c, err, "Payment confirmation failed")
	}

	return successResponse(c, fiber.StatusOK, "Payment confirmed", businessflow.ToOrderResponse(order))
}

// Timeline returns an order's status history
// @Summary Order Timeline
// @Tags Orders
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param id path int true "Order ID"
// @Success 200 {object} dto.APIResponse{data=dto.OrderTimelineResponse}
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/orders/{id}/timeline [get]
func (h *OrderHandler) Timeline(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	orderID, err := parseIDParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid order id", "INVALID_ORDER_ID", err.Error())
	}

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	entries, err := h.stateMachine.Timeline(ctx, tenantID, orderID)
	if err != nil {
		return h.orderError(c, err, "Failed to load order timeline")
	}

	return successResponse(c, fiber.StatusOK, "Order timeline retrieved", businessflow.ToOrderTimelineResponse(orderID, entries))
}

// Refund returns money for a captured payment through the gateway
// @Summary Refund Payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param id path int true "Payment ID"
// @Param request body dto.RefundRequest true "Refund details"
// @Success 200 {object} dto.APIResponse{data=dto.RefundResponse}
// @Failure 404 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse
// @Failure 422 {object} dto.APIResponse
// @Failure 502 {object} dto.APIResponse
// @Router /api/v1/payments/{id}/refund [post]
func (h *OrderHandler) Refund(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	paymentID, err := parseIDParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid payment id", "INVALID_PAYMENT_ID", err.Error())
	}
	var req dto.RefundRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}
	req.TenantID = tenantID
	req.PaymentID = paymentID
	req.Actor = middleware.GetActor(c)

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.reconciler.Refund(ctx, &req)
	if err != nil {
		switch {
		case businessflow.IsPaymentNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Payment not found", "PAYMENT_NOT_FOUND", nil)
		case businessflow.IsRefundInProgress(err):
			return errorResponse(c, fiber.StatusConflict, "A refund for this payment is in progress", "REFUND_IN_PROGRESS", nil)
		case businessflow.IsPaymentNotRefundable(err), businessflow.IsRefundAmountInvalid(err):
			return errorResponse(c, fiber.StatusUnprocessableEntity, err.Error(), businessflow.ErrorCode(err), nil)
		case businessflow.ErrorCode(err) == "REFUND_FAILED":
			return errorResponse(c, fiber.StatusBadGateway, "Gateway refund failed", "REFUND_FAILED", nil)
		}
		log.Println("Refund failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Refund failed", "REFUND_FAILED", nil)
	}

	return successResponse(c, fiber.StatusOK, "Payment refunded", result)
}

func (h *OrderHandler) orderError(c fiber.Ctx, err error, fallback string) error {
	switch {
	case businessflow.IsOrderNotFound(err):
		return errorResponse(c, fiber.StatusNotFound, "Order not found", "ORDER_NOT_FOUND", nil)
	case businessflow.IsAlreadyPaid(err):
		return errorResponse(c, fiber.StatusConflict, "Order is already paid", "ALREADY_PAID", nil)
	case businessflow.IsOrderCancelled(err):
		return errorResponse(c, fiber.StatusConflict, "Order is cancelled", "ORDER_CANCELLED", nil)
	case businessflow.IsIllegalTransition(err):
		return errorResponse(c, fiber.StatusConflict, err.Error(), "ILLEGAL_TRANSITION", nil)
	case businessflow.IsInvalidOrderStatus(err):
		return errorResponse(c, fiber.StatusBadRequest, err.Error(), "INVALID_ORDER_STATUS", nil)
	}
	log.Println(fallback, err)
	return errorResponse(c, fiber.StatusInternalServerError, fallback, "ORDER_OPERATION_FAILED", nil)
}
