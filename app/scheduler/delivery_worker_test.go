package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/amirphl/Mizuchi/app/services"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/config"
	"github.com/amirphl/Mizuchi/models"
	testutil "github.com/amirphl/Mizuchi/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

type deliveryFixture struct {
	store      *testutil.MemoryStore
	provider   *services.MockMessagingProvider
	aggregator businessflow.CampaignAggregator
	worker     *DeliveryWorker
}

func newDeliveryFixture(t *testing.T, cfg config.DeliveryConfig, retryAttempts int) *deliveryFixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	f := &deliveryFixture{
		store:    store,
		provider: services.NewMockMessagingProvider(),
	}
	f.aggregator = businessflow.NewCampaignAggregator(store.Campaigns(), store.Queue(), store.AuditLogs(), store.Outbox(), store)
	f.worker = NewDeliveryWorker(store.Queue(), f.aggregator, f.provider, nil, store, cfg, "TESTCO", quiet)
	f.worker.SetRetryPolicy(services.RetryPolicy{MaxAttempts: retryAttempts, BaseDelay: time.Millisecond, Sleep: noSleep})
	return f
}

func (f *deliveryFixture) campaign(t *testing.T, id uint) *models.Campaign {
	t.Helper()
	c, err := f.store.Campaigns().ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestDeliveryWorkerMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 3)
	f.provider.Behavior = func(msg services.OutboundMessage, attempt int) error {
		if msg.Recipient == "+15550002" {
			return services.NewRejectedError("mock", 400, "invalid_recipient", "number does not exist")
		}
		return nil
	}

	c := f.store.SeedCampaign(1, "campaign-7", models.CampaignStatusDraft)
	f.store.SeedQueueItems(c, 3, "+15550001", "+15550002", "+15550003")

	n, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items := f.store.AllQueueItems()
	require.Len(t, items, 3)
	assert.Equal(t, models.QueueItemStatusSent, items[0].Status)
	assert.Equal(t, models.QueueItemStatusFailed, items[1].Status)
	assert.Equal(t, models.QueueItemStatusSent, items[2].Status)
	for _, it := range items {
		assert.Equal(t, 1, it.Attempts, "item %d", it.ID)
		assert.Nil(t, it.LeaseOwner)
	}
	assert.Equal(t, "invalid_recipient", *items[1].ErrorCode)
	assert.NotNil(t, items[0].ProviderMessageID)
	assert.Equal(t, 1, f.provider.Calls("+15550002"))

	stored := f.campaign(t, c.ID)
	assert.EqualValues(t, 2, stored.SentCount)
	assert.EqualValues(t, 1, stored.FailedCount)
	assert.Equal(t, models.CampaignStatusCompleted, stored.Status)
	require.NoError(t, f.aggregator.CheckConsistency(ctx, c.ID))

	for _, msg := range f.provider.GetSentMessages() {
		assert.Equal(t, "TESTCO", msg.Sender)
	}
}

func TestDeliveryWorkerRetryCap(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 1)
	f.provider.Behavior = func(msg services.OutboundMessage, attempt int) error {
		return services.NewTransientError("mock", 503, "unavailable", nil)
	}

	c := f.store.SeedCampaign(1, "flaky", models.CampaignStatusDraft)
	f.store.SeedQueueItems(c, 3, "+15550001")

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := f.worker.RunOnce(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		item := f.store.AllQueueItems()[0]
		assert.Equal(t, attempt, item.Attempts)
		if attempt < 3 {
			assert.Equal(t, models.QueueItemStatusPending, item.Status)
		} else {
			assert.Equal(t, models.QueueItemStatusFailed, item.Status)
		}
	}

	// a failed item is never claimed again
	n, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, f.provider.Calls("+15550001"))

	stored := f.campaign(t, c.ID)
	assert.EqualValues(t, 1, stored.FailedCount)
	assert.Equal(t, models.CampaignStatusCompleted, stored.Status)
}

func TestDeliveryWorkerRetriesWithinClaim(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 3)
	f.provider.Behavior = func(msg services.OutboundMessage, attempt int) error {
		if attempt == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	c := f.store.SeedCampaign(1, "blip", models.CampaignStatusDraft)
	f.store.SeedQueueItems(c, 3, "+15550001")

	_, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)

	item := f.store.AllQueueItems()[0]
	assert.Equal(t, models.QueueItemStatusSent, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, 2, f.provider.Calls("+15550001"))
}

func TestDeliveryWorkerConfigurationErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 3)
	f.provider.Behavior = func(msg services.OutboundMessage, attempt int) error {
		return services.NewConfigurationError("mock", "api key rejected")
	}

	c := f.store.SeedCampaign(1, "misconfigured", models.CampaignStatusDraft)
	f.store.SeedQueueItems(c, 5, "+15550001")

	_, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)

	item := f.store.AllQueueItems()[0]
	assert.Equal(t, models.QueueItemStatusFailed, item.Status)
	assert.Equal(t, string(services.ErrorKindConfiguration), *item.ErrorCode)
	assert.Equal(t, 1, f.provider.Calls("+15550001"))
}

func TestDeliveryWorkerReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 1)

	c := f.store.SeedCampaign(1, "crash", models.CampaignStatusDraft)
	ids := f.store.SeedQueueItems(c, 3, "+15550001")

	// a worker claims the item and dies
	claimed, err := f.store.Queue().ClaimBatch(ctx, 10, "dead", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n, "a live lease is not claimable")

	f.store.ExpireLease(ids[0])
	n, err = f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := f.store.AllQueueItems()[0]
	assert.Equal(t, models.QueueItemStatusSent, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// the original worker's late completion is refused
	late, err := f.store.Queue().Complete(ctx, ids[0], "dead", models.DeliveryOutcome{Kind: models.OutcomeSent})
	require.NoError(t, err)
	assert.Nil(t, late)
	assert.EqualValues(t, 1, f.campaign(t, c.ID).SentCount)
}

func TestDeliveryWorkerBatchOutlastingLease(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 3, LeaseTTL: 120 * time.Millisecond}, 1)
	f.provider.Behavior = func(msg services.OutboundMessage, attempt int) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	c := f.store.SeedCampaign(1, "slow-provider", models.CampaignStatusDraft)
	recipients := []string{"+15550001", "+15550002", "+15550003"}
	f.store.SeedQueueItems(c, 3, recipients...)

	// w1 claims all three; the third lease expires while the first two are still sending
	done := make(chan struct{})
	var n1 int
	var err1 error
	go func() {
		defer close(done)
		n1, err1 = f.worker.RunOnce(ctx, "w1")
	}()

	time.Sleep(150 * time.Millisecond)
	n2, err := f.worker.RunOnce(ctx, "w2")
	require.NoError(t, err)
	<-done
	require.NoError(t, err1)
	assert.Equal(t, 3, n1)
	assert.Equal(t, 1, n2, "w2 takes over the expired third lease")

	for _, r := range recipients {
		assert.Equal(t, 1, f.provider.Calls(r), "recipient %s", r)
	}
	assert.Len(t, f.provider.GetSentMessages(), 3)
	for _, it := range f.store.AllQueueItems() {
		assert.Equal(t, models.QueueItemStatusSent, it.Status)
		assert.Equal(t, 1, it.Attempts)
	}
	assert.EqualValues(t, 3, f.campaign(t, c.ID).SentCount)
	require.NoError(t, f.aggregator.CheckConsistency(ctx, c.ID))
}

func TestDeliveryWorkerDeadLettersAfterLeaseReclaims(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute, MaxLeaseReclaims: 2}, 1)

	c := f.store.SeedCampaign(1, "poison", models.CampaignStatusDraft)
	ids := f.store.SeedQueueItems(c, 3, "+15550001")

	// three workers in a row claim the item and crash
	for i := range 3 {
		claimed, err := f.store.Queue().ClaimBatch(ctx, 10, fmt.Sprintf("crashed-%d", i), time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, i, claimed[0].LeaseReclaims)
		f.store.ExpireLease(ids[0])
	}

	n, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := f.store.AllQueueItems()[0]
	assert.Equal(t, models.QueueItemStatusFailed, item.Status)
	assert.Equal(t, string(models.OutcomeLeaseExhausted), *item.ErrorCode)
	assert.Equal(t, 3, item.LeaseReclaims)
	assert.Zero(t, item.Attempts)
	assert.Zero(t, f.provider.Calls("+15550001"))

	stored := f.campaign(t, c.ID)
	assert.EqualValues(t, 1, stored.FailedCount)
	require.NoError(t, f.aggregator.CheckConsistency(ctx, c.ID))

	n, err = f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliveryWorkerRenewFailureSkipsSend(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 3)

	c := f.store.SeedCampaign(1, "flaky-db", models.CampaignStatusDraft)
	f.store.SeedQueueItems(c, 3, "+15550001")
	f.store.FailNext("queue.RenewLease", errors.New("connection reset"))

	_, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)

	assert.Zero(t, f.provider.Calls("+15550001"))
	item := f.store.AllQueueItems()[0]
	assert.Equal(t, models.QueueItemStatusProcessing, item.Status, "left for lease expiry")
	assert.Zero(t, item.Attempts)
}

func TestDeliveryWorkerSkipsCancelledCampaign(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t, config.DeliveryConfig{BatchSize: 10, LeaseTTL: time.Minute}, 1)

	c := f.store.SeedCampaign(1, "stopped", models.CampaignStatusDraft)
	f.store.SeedQueueItems(c, 3, "+15550001", "+15550002")
	c.Status = models.CampaignStatusCancelled
	require.NoError(t, f.store.Campaigns().Update(ctx, c))

	n, err := f.worker.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.provider.GetSentMessages())
}

func TestDeliveryWorkerConcurrentPool(t *testing.T) {
	f := newDeliveryFixture(t, config.DeliveryConfig{
		Concurrency:  4,
		BatchSize:    3,
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     time.Minute,
	}, 1)

	c := f.store.SeedCampaign(1, "bulk", models.CampaignStatusDraft)
	recipients := make([]string, 40)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("+1555%04d", i)
	}
	f.store.SeedQueueItems(c, 3, recipients...)

	stop := f.worker.Start(context.Background())
	require.Eventually(t, func() bool {
		stored, err := f.store.Campaigns().ByID(context.Background(), c.ID)
		return err == nil && stored.Status == models.CampaignStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	for _, r := range recipients {
		assert.Equal(t, 1, f.provider.Calls(r), "recipient %s", r)
	}
	for _, it := range f.store.AllQueueItems() {
		assert.Equal(t, models.QueueItemStatusSent, it.Status)
		assert.Equal(t, 1, it.Attempts)
	}
	stored := f.campaign(t, c.ID)
	assert.EqualValues(t, 40, stored.SentCount)
	assert.Zero(t, stored.FailedCount)
	require.NoError(t, f.aggregator.CheckConsistency(context.Background(), c.ID))
}

func TestOutcomeFor(t *testing.T) {
	out := OutcomeFor(&services.SendResult{ProviderMessageID: "p-1"}, nil)
	assert.Equal(t, models.OutcomeSent, out.Kind)
	assert.Equal(t, "p-1", out.ProviderMessageID)

	out = OutcomeFor(nil, services.NewRejectedError("mock", 400, "opted_out", "recipient opted out"))
	assert.Equal(t, models.OutcomeRejected, out.Kind)
	assert.Equal(t, "opted_out", out.ErrorCode)

	wrapped := fmt.Errorf("%w: %w", services.ErrRetriesExhausted, services.NewTransientError("mock", 502, "bad gateway", nil))
	out = OutcomeFor(nil, wrapped)
	assert.Equal(t, models.OutcomeTransient, out.Kind)
	assert.Equal(t, string(services.ErrorKindTransient), out.ErrorCode)

	out = OutcomeFor(nil, errors.New("dial tcp: i/o timeout"))
	assert.Equal(t, models.OutcomeTransient, out.Kind)
	assert.Contains(t, out.ErrorMessage, "i/o timeout")
}
