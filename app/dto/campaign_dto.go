package dto

import (
	"encoding/json"
	"time"
)

// CreateCampaignRequest represents the request to create a draft campaign
type CreateCampaignRequest struct {
	TenantID uint   `json:"-"`
	Name     string `json:"name" validate:"required,max=255"`
}

// CampaignResponse represents a campaign and its counters
type CampaignResponse struct {
	ID             uint       `json:"id"`
	UUID           string     `json:"uuid"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	TargetCount    int64      `json:"targetCount"`
	SentCount      int64      `json:"sentCount"`
	FailedCount    int64      `json:"failedCount"`
	DeliveredCount int64      `json:"deliveredCount"`
	ReadCount      int64      `json:"readCount"`
	ClickedCount   int64      `json:"clickedCount"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// SendCampaignRequest enqueues one message per recipient
type SendCampaignRequest struct {
	TenantID    uint            `json:"-"`
	CampaignID  uint            `json:"campaignId" validate:"required,min=1"`
	Recipients  []string        `json:"recipients" validate:"required,min=1,max=10000,dive,required,e164"`
	MessageType string          `json:"messageType" validate:"required,max=50"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// SendCampaignResponse reports how many items were queued
type SendCampaignResponse struct {
	CampaignID  uint  `json:"campaignId"`
	Queued      int   `json:"queued"`
	Duplicates  int   `json:"duplicates"`
	TargetCount int64 `json:"targetCount"`
}

// QueueStatusRequest scopes queue counts to a tenant and optionally one campaign
type QueueStatusRequest struct {
	TenantID   uint  `json:"-"`
	CampaignID *uint `json:"campaignId,omitempty"`
}

// QueueStatusResponse summarizes queue items; AvgSendRate is messages per minute
type QueueStatusResponse struct {
	CampaignID  *uint   `json:"campaignId,omitempty"`
	Pending     int64   `json:"pending"`
	Processing  int64   `json:"processing"`
	Sent        int64   `json:"sent"`
	Failed      int64   `json:"failed"`
	Delivered   int64   `json:"delivered"`
	Read        int64   `json:"read"`
	Clicked     int64   `json:"clicked"`
	Total       int64   `json:"total"`
	AvgSendRate float64 `json:"avgSendRate"`
}

// ListFailedItemsRequest pages through failed queue items
type ListFailedItemsRequest struct {
	TenantID   uint  `json:"-"`
	CampaignID *uint `json:"campaignId,omitempty"`
	Limit      int   `json:"limit" validate:"omitempty,min=1,max=500"`
	Offset     int   `json:"offset" validate:"omitempty,min=0"`
}

// FailedItemDTO is one dead-lettered queue item
type FailedItemDTO struct {
	ID           uint      `json:"id"`
	UUID         string    `json:"uuid"`
	CampaignID   *uint     `json:"campaignId,omitempty"`
	Recipient    string    `json:"recipient"`
	MessageType  string    `json:"messageType"`
	Attempts     int       `json:"attempts"`
	ErrorCode    *string   `json:"errorCode,omitempty"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ListFailedItemsResponse is a page of failed items
type ListFailedItemsResponse struct {
	Items  []FailedItemDTO `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// DeliveryReceiptRequest is the messaging provider's asynchronous receipt callback
type DeliveryReceiptRequest struct {
	ProviderMessageID string     `json:"messageId" validate:"required,max=255"`
	Type              string     `json:"type" validate:"required,oneof=delivered read clicked"`
	OccurredAt        *time.Time `json:"occurredAt,omitempty"`
}

// DeliveryReceiptResponse tells the provider whether the receipt changed anything
type DeliveryReceiptResponse struct {
	Applied bool `json:"applied"`
}

// RebuildCountersResponse reports the outcome of a counter rebuild
type RebuildCountersResponse struct {
	CampaignID uint  `json:"campaignId"`
	Changed    bool  `json:"changed"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Delivered  int64 `json:"delivered"`
	Read       int64 `json:"read"`
	Clicked    int64 `json:"clicked"`
}
