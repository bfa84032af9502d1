package handlers

import (
	"errors"
	"log"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/app/middleware"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// CampaignHandlerInterface defines the contract for campaign and queue handlers
type CampaignHandlerInterface interface {
	CreateCampaign(c fiber.Ctx) error
	SendCampaign(c fiber.Ctx) error
	CancelCampaign(c fiber.Ctx) error
	QueueStatus(c fiber.Ctx) error
	FailedItems(c fiber.Ctx) error
}

// CampaignHandler handles campaign-related HTTP requests
type CampaignHandler struct {
	campaignFlow businessflow.CampaignFlow
	validator    *validator.Validate
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignFlow businessflow.CampaignFlow) *CampaignHandler {
	return &CampaignHandler{
		campaignFlow: campaignFlow,
		validator:    validator.New(),
	}
}

// CreateCampaign creates a draft campaign
// @Summary Create Campaign
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param request body dto.CreateCampaignRequest true "Campaign data"
// @Success 201 {object} dto.APIResponse{data=dto.CampaignResponse}
// @Failure 400 {object} dto.APIResponse
// @Router /api/v1/campaigns [post]
func (h *CampaignHandler) CreateCampaign(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	var req dto.CreateCampaignRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}
	req.TenantID = tenantID

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.CreateCampaign(ctx, &req, clientMetadata(c))
	if err != nil {
		if errors.Is(err, businessflow.ErrCampaignNameRequired) {
			return errorResponse(c, fiber.StatusBadRequest, "Campaign name is required", "CAMPAIGN_NAME_REQUIRED", nil)
		}
		log.Println("Campaign creation failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Campaign creation failed", "CAMPAIGN_CREATION_FAILED", nil)
	}

	return successResponse(c, fiber.StatusCreated, "Campaign created successfully", result)
}

// SendCampaign enqueues one message per recipient
// @Summary Send Campaign
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param request body dto.SendCampaignRequest true "Recipients and message"
// @Success 202 {object} dto.APIResponse{data=dto.SendCampaignResponse}
// @Failure 400 {object} dto.APIResponse
// @Failure 404 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse
// @Router /api/v1/campaigns/send [post]
func (h *CampaignHandler) SendCampaign(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	var req dto.SendCampaignRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}
	req.TenantID = tenantID

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.SendCampaign(ctx, &req, clientMetadata(c))
	if err != nil {
		switch {
		case businessflow.IsCampaignNotFound(err):
			return errorResponse(c, fiber.StatusNotFound, "Campaign not found", "CAMPAIGN_NOT_FOUND", nil)
		case businessflow.IsCampaignCancelled(err):
			return errorResponse(c, fiber.StatusConflict, "Campaign is cancelled", "CAMPAIGN_CANCELLED", nil)
		case errors.Is(err, businessflow.ErrNoRecipients), errors.Is(err, businessflow.ErrTooManyRecipients):
			return errorResponse(c, fiber.StatusBadRequest, err.Error(), businessflow.ErrorCode(err), nil)
		}
		log.Println("Campaign send failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Campaign send failed", "CAMPAIGN_SEND_FAILED", nil)
	}

	return successResponse(c, fiber.StatusAccepted, "Messages queued", result)
}

// CancelCampaign stops further deliveries for a campaign
// @Summary Cancel Campaign
// @Tags Campaigns
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignResponse}
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/campaigns/{id}/cancel [post]
func (h *CampaignHandler) CancelCampaign(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	campaignID, err := parseIDParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_CAMPAIGN_ID", err.Error())
	}

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.CancelCampaign(ctx, tenantID, campaignID, clientMetadata(c))
	if err != nil {
		if businessflow.IsCampaignNotFound(err) {
			return errorResponse(c, fiber.StatusNotFound, "Campaign not found", "CAMPAIGN_NOT_FOUND", nil)
		}
		log.Println("Campaign cancel failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Campaign cancel failed", "CAMPAIGN_CANCEL_FAILED", nil)
	}

	return successResponse(c, fiber.StatusOK, "Campaign cancelled", result)
}

// QueueStatus reports queue counts for the tenant or one campaign
// @Summary Queue Status
// @Tags Queue
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param campaignId query int false "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.QueueStatusResponse}
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/queue/status [get]
func (h *CampaignHandler) QueueStatus(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	campaignID, err := parseOptionalUintQuery(c, "campaignId")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_CAMPAIGN_ID", err.Error())
	}

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.GetQueueStatus(ctx, &dto.QueueStatusRequest{
		TenantID:   tenantID,
		CampaignID: campaignID,
	})
	if err != nil {
		if businessflow.IsCampaignNotFound(err) {
			return errorResponse(c, fiber.StatusNotFound, "Campaign not found", "CAMPAIGN_NOT_FOUND", nil)
		}
		log.Println("Queue status failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to load queue status", "QUEUE_STATUS_FAILED", nil)
	}

	return successResponse(c, fiber.StatusOK, "Queue status retrieved", result)
}

// FailedItems lists dead-lettered queue items
// @Summary Failed Queue Items
// @Tags Queue
// @Produce json
// @Param X-Tenant-ID header int true "Tenant ID"
// @Param campaignId query int false "Campaign ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} dto.APIResponse{data=dto.ListFailedItemsResponse}
// @Router /api/v1/queue/failed [get]
func (h *CampaignHandler) FailedItems(c fiber.Ctx) error {
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Tenant ID not found in context", "MISSING_TENANT_ID", nil)
	}
	campaignID, err := parseOptionalUintQuery(c, "campaignId")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_CAMPAIGN_ID", err.Error())
	}
	limit, err := parseIntQuery(c, "limit", 50)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid limit", "INVALID_PAGINATION", err.Error())
	}
	offset, err := parseIntQuery(c, "offset", 0)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid offset", "INVALID_PAGINATION", err.Error())
	}
	req := dto.ListFailedItemsRequest{
		TenantID:   tenantID,
		CampaignID: campaignID,
		Limit:      limit,
		Offset:     offset,
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := requestContext(c, defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.ListFailedItems(ctx, &req)
	if err != nil {
		log.Println("Listing failed items failed", err)
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to list failed items", "FAILED_ITEMS_LIST_FAILED", nil)
	}

	return successResponse(c, fiber.StatusOK, "Failed items retrieved", result)
}
