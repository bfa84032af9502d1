package businessflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	meta := NewClientMetadata("10.0.0.1", "test")
	meta.AddAdditional("actor", "marketer@example.com")
	meta.SetRequestID("req-1")

	resp, err := h.campaigns.CreateCampaign(ctx, &dto.CreateCampaignRequest{TenantID: 4, Name: "  Spring sale  "}, meta)
	require.NoError(t, err)
	assert.Equal(t, "Spring sale", resp.Name)
	assert.Equal(t, string(models.CampaignStatusDraft), resp.Status)
	assert.NotEmpty(t, resp.UUID)

	logs := h.store.AllAuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditActionCampaignCreated, logs[0].Action)
	assert.Equal(t, "marketer@example.com", logs[0].Actor)
	assert.Equal(t, "req-1", utils.Deref(logs[0].RequestID))
	assert.Equal(t, "10.0.0.1", utils.Deref(logs[0].IPAddress))

	_, err = h.campaigns.CreateCampaign(ctx, &dto.CreateCampaignRequest{TenantID: 4, Name: "   "}, nil)
	assert.ErrorIs(t, err, ErrCampaignNameRequired)

	_, err = h.campaigns.CreateCampaign(ctx, &dto.CreateCampaignRequest{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestSendCampaign(t *testing.T) {
	ctx := context.Background()

	t.Run("DedupesAndGrowsTarget", func(t *testing.T) {
		h := newHarness(t)
		c := h.store.SeedCampaign(1, "launch", models.CampaignStatusDraft)

		resp, err := h.campaigns.SendCampaign(ctx, &dto.SendCampaignRequest{
			TenantID:    1,
			CampaignID:  c.ID,
			Recipients:  []string{"+15550001", "+15550001", " ", " +15550002 "},
			MessageType: "sms",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Queued)
		assert.Equal(t, 2, resp.Duplicates)
		assert.EqualValues(t, 2, resp.TargetCount)

		items := h.store.AllQueueItems()
		require.Len(t, items, 2)
		assert.Equal(t, "+15550002", items[1].Recipient)
		for _, it := range items {
			assert.Equal(t, models.QueueItemStatusPending, it.Status)
			assert.Zero(t, it.Attempts)
			assert.Equal(t, 3, it.MaxAttempts)
			assert.JSONEq(t, `{}`, string(it.Payload))
		}

		stored, err := h.store.Campaigns().ByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CampaignStatusRunning, stored.Status)
		assert.NotNil(t, stored.StartedAt)

		// a second send to the same campaign adds to the target
		resp, err = h.campaigns.SendCampaign(ctx, &dto.SendCampaignRequest{
			TenantID: 1, CampaignID: c.ID, Recipients: []string{"+15550003"}, MessageType: "sms",
		}, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 3, resp.TargetCount)
	})

	t.Run("CancelledCampaign", func(t *testing.T) {
		h := newHarness(t)
		c := h.store.SeedCampaign(1, "old", models.CampaignStatusCancelled)

		_, err := h.campaigns.SendCampaign(ctx, &dto.SendCampaignRequest{
			TenantID: 1, CampaignID: c.ID, Recipients: []string{"+15550001"}, MessageType: "sms",
		}, nil)
		assert.True(t, IsCampaignCancelled(err))
		assert.Empty(t, h.store.AllQueueItems())
	})

	t.Run("OtherTenantsCampaign", func(t *testing.T) {
		h := newHarness(t)
		c := h.store.SeedCampaign(1, "mine", models.CampaignStatusDraft)

		_, err := h.campaigns.SendCampaign(ctx, &dto.SendCampaignRequest{
			TenantID: 2, CampaignID: c.ID, Recipients: []string{"+15550001"}, MessageType: "sms",
		}, nil)
		assert.True(t, IsCampaignNotFound(err))
	})

	t.Run("NoRecipients", func(t *testing.T) {
		h := newHarness(t)
		c := h.store.SeedCampaign(1, "empty", models.CampaignStatusDraft)

		_, err := h.campaigns.SendCampaign(ctx, &dto.SendCampaignRequest{
			TenantID: 1, CampaignID: c.ID, Recipients: []string{"", "  "}, MessageType: "sms",
		}, nil)
		assert.ErrorIs(t, err, ErrNoRecipients)
	})

	t.Run("TooManyRecipients", func(t *testing.T) {
		h := newHarness(t)
		c := h.store.SeedCampaign(1, "huge", models.CampaignStatusDraft)

		recipients := make([]string, utils.MaxRecipientsPerSend+1)
		for i := range recipients {
			recipients[i] = fmt.Sprintf("+1555%07d", i)
		}
		_, err := h.campaigns.SendCampaign(ctx, &dto.SendCampaignRequest{
			TenantID: 1, CampaignID: c.ID, Recipients: recipients, MessageType: "sms",
		}, nil)
		assert.ErrorIs(t, err, ErrTooManyRecipients)
		assert.Equal(t, "TOO_MANY_RECIPIENTS", ErrorCode(err))
	})
}

func TestCancelCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.store.SeedCampaign(1, "launch", models.CampaignStatusRunning)

	resp, err := h.campaigns.CancelCampaign(ctx, 1, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, string(models.CampaignStatusCancelled), resp.Status)
	assert.NotNil(t, resp.CancelledAt)

	// cancelling twice is a no-op
	_, err = h.campaigns.CancelCampaign(ctx, 1, c.ID, nil)
	require.NoError(t, err)
	assert.Len(t, h.store.AllAuditLogs(), 1)

	_, err = h.campaigns.CancelCampaign(ctx, 9, c.ID, nil)
	assert.True(t, IsCampaignNotFound(err))
}

func TestGetQueueStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.store.SeedCampaign(1, "launch", models.CampaignStatusDraft)
	other := h.store.SeedCampaign(1, "other", models.CampaignStatusDraft)
	h.store.SeedQueueItems(c, 3, "+15550001", "+15550002", "+15550003")
	h.store.SeedQueueItems(other, 3, "+15550009")

	claimed, err := h.store.Queue().ClaimBatch(ctx, 2, "w1", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	_, err = h.store.Queue().Complete(ctx, claimed[0].ID, "w1", models.DeliveryOutcome{Kind: models.OutcomeSent, ProviderMessageID: "p1"})
	require.NoError(t, err)

	resp, err := h.campaigns.GetQueueStatus(ctx, &dto.QueueStatusRequest{TenantID: 1, CampaignID: &c.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, resp.Total)
	assert.EqualValues(t, 1, resp.Sent)
	assert.EqualValues(t, 1, resp.Processing)
	assert.EqualValues(t, 1, resp.Pending)
	assert.Equal(t, 1.0, resp.AvgSendRate)

	all, err := h.campaigns.GetQueueStatus(ctx, &dto.QueueStatusRequest{TenantID: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 4, all.Total)

	_, err = h.campaigns.GetQueueStatus(ctx, &dto.QueueStatusRequest{TenantID: 2, CampaignID: &c.ID})
	assert.True(t, IsCampaignNotFound(err))
}

func TestListFailedItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.store.SeedCampaign(1, "launch", models.CampaignStatusDraft)
	h.store.SeedQueueItems(c, 1, "+15550001", "+15550002")

	claimed, err := h.store.Queue().ClaimBatch(ctx, 10, "w1", time.Minute)
	require.NoError(t, err)
	for _, it := range claimed {
		_, err := h.store.Queue().Complete(ctx, it.ID, "w1", models.DeliveryOutcome{
			Kind: models.OutcomeRejected, ErrorCode: "invalid_recipient", ErrorMessage: "unreachable",
		})
		require.NoError(t, err)
	}

	resp, err := h.campaigns.ListFailedItems(ctx, &dto.ListFailedItemsRequest{TenantID: 1, CampaignID: &c.ID})
	require.NoError(t, err)
	assert.Equal(t, 50, resp.Limit)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "invalid_recipient", utils.Deref(resp.Items[0].ErrorCode))
	assert.Equal(t, 1, resp.Items[0].Attempts)

	page, err := h.campaigns.ListFailedItems(ctx, &dto.ListFailedItemsRequest{TenantID: 1, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestAvgSendRate(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Zero(t, avgSendRate(0, nil, nil))
	assert.Equal(t, 5.0, avgSendRate(5, &start, utils.ToPtr(start.Add(10*time.Second))))
	assert.Equal(t, 12.5, avgSendRate(50, &start, utils.ToPtr(start.Add(4*time.Minute))))
}

func TestDedupeRecipients(t *testing.T) {
	got := dedupeRecipients([]string{" a ", "b", "a", "", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
