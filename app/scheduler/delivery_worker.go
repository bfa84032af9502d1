package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/Mizuchi/app/metrics"
	"github.com/amirphl/Mizuchi/app/services"
	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/config"
	"github.com/amirphl/Mizuchi/models"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
	"github.com/google/uuid"
)

// completionTimeout bounds the write that records an outcome after shutdown has begun
const completionTimeout = 10 * time.Second

// errLeaseLost cancels a send once another worker owns the item
var errLeaseLost = errors.New("lease lost")

// DeliveryWorker drains the message queue with a pool of goroutines
type DeliveryWorker struct {
	queueRepo  repository.MessageQueueRepository
	aggregator businessflow.CampaignAggregator
	provider   services.MessagingProvider
	limiter    services.RateLimiter
	tx         repository.Transactor
	retry      services.RetryPolicy
	logger     *log.Logger

	concurrency  int
	batchSize    int
	pollInterval time.Duration
	leaseTTL     time.Duration
	maxReclaims  int
	senderID     string
	instanceID   string

	wg sync.WaitGroup
}

func NewDeliveryWorker(
	queueRepo repository.MessageQueueRepository,
	aggregator businessflow.CampaignAggregator,
	provider services.MessagingProvider,
	limiter services.RateLimiter,
	tx repository.Transactor,
	cfg config.DeliveryConfig,
	senderID string,
	logger *log.Logger,
) *DeliveryWorker {
	if logger == nil {
		logger = log.Default()
	}
	w := &DeliveryWorker{
		queueRepo:    queueRepo,
		aggregator:   aggregator,
		provider:     provider,
		limiter:      limiter,
		tx:           tx,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		leaseTTL:     cfg.LeaseTTL,
		maxReclaims:  cfg.MaxLeaseReclaims,
		senderID:     senderID,
		instanceID:   uuid.NewString()[:8],
		retry: services.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 2 * time.Second
	}
	if w.leaseTTL <= 0 {
		w.leaseTTL = utils.DefaultLeaseTTL
	}
	if w.maxReclaims <= 0 {
		w.maxReclaims = utils.DefaultMaxLeaseReclaims
	}
	if w.limiter == nil {
		w.limiter = services.NewRateLimiter(nil, "", 0)
	}
	w.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		w.logger.Printf("delivery: attempt %d failed, retrying in %s: %v", attempt, delay, err)
	}
	return w
}

// SetRetryPolicy replaces the per-claim provider retry policy
func (w *DeliveryWorker) SetRetryPolicy(p services.RetryPolicy) {
	w.retry = p
}

// Start launches the worker goroutines and returns a stop function that waits for them to exit.
// Items claimed but not completed at shutdown are picked up again once their lease expires.
func (w *DeliveryWorker) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	for i := 0; i < w.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", w.instanceID, i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx, workerID)
		}()
	}
	w.logger.Printf("delivery: started %d workers (batch=%d lease=%s)", w.concurrency, w.batchSize, w.leaseTTL)

	return func() {
		cancel()
		w.wg.Wait()
		w.logger.Printf("delivery: workers stopped")
	}
}

func (w *DeliveryWorker) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx, workerID)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Printf("delivery: worker %s: %v", workerID, err)
		}
		if n > 0 && err == nil {
			continue
		}

		t := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce claims one batch and delivers it, returning the number of items claimed
func (w *DeliveryWorker) RunOnce(ctx context.Context, workerID string) (int, error) {
	items, err := w.queueRepo.ClaimBatch(ctx, w.batchSize, workerID, w.leaseTTL)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	metrics.DeliveryClaimed.Add(float64(len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			return len(items), ctx.Err()
		}
		w.deliver(ctx, workerID, item)
	}
	return len(items), nil
}

func (w *DeliveryWorker) deliver(ctx context.Context, workerID string, item *models.MessageQueueItem) {
	if item.LeaseReclaims > w.maxReclaims {
		metrics.DeliveryLeaseExhausted.Inc()
		w.settle(ctx, workerID, item, models.DeliveryOutcome{
			Kind:         models.OutcomeLeaseExhausted,
			ErrorCode:    string(models.OutcomeLeaseExhausted),
			ErrorMessage: fmt.Sprintf("lease taken over %d times without a recorded attempt", item.LeaseReclaims),
		})
		return
	}

	start := time.Now()
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	msg := services.OutboundMessage{
		Recipient:   item.Recipient,
		MessageType: item.MessageType,
		Sender:      w.senderID,
		Payload:     item.Payload,
		ClientRef:   item.UUID.String(),
	}

	// Renewed before every provider call; later batch items may be past their claim-time lease
	sendCtx, cancelSend := context.WithCancelCause(ctx)
	defer cancelSend(nil)
	res, sendErr := services.Execute(sendCtx, w.retry, func(ctx context.Context) (*services.SendResult, error) {
		held, err := w.queueRepo.RenewLease(ctx, item.ID, workerID, w.leaseTTL)
		if err != nil {
			err = fmt.Errorf("renew lease: %w", err)
			cancelSend(err)
			return nil, err
		}
		if !held {
			cancelSend(errLeaseLost)
			return nil, errLeaseLost
		}
		return w.provider.Send(ctx, msg)
	})
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() == nil && sendCtx.Err() != nil {
		cause := context.Cause(sendCtx)
		if errors.Is(cause, errLeaseLost) {
			metrics.DeliveryLeaseLost.Inc()
			w.logger.Printf("delivery: worker %s lost the lease on item %d before sending", workerID, item.ID)
		} else {
			w.logger.Printf("delivery: item %d left to lease expiry: %v", item.ID, cause)
		}
		return
	}
	if sendErr != nil && ctx.Err() != nil {
		w.logger.Printf("delivery: shutdown while sending item %d, leaving it to lease expiry", item.ID)
		return
	}

	outcome := OutcomeFor(res, sendErr)
	metrics.DeliveryAttempts.WithLabelValues(string(outcome.Kind)).Inc()
	w.settle(ctx, workerID, item, outcome)
}

// settle records outcome against the item and, once it is terminal, against its campaign
func (w *DeliveryWorker) settle(ctx context.Context, workerID string, item *models.MessageQueueItem, outcome models.DeliveryOutcome) {
	// An accepted send must be recorded even if shutdown started meanwhile
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	var settled *models.MessageQueueItem
	err := w.tx.WithTransaction(cctx, func(txCtx context.Context) error {
		var err error
		settled, err = w.queueRepo.Complete(txCtx, item.ID, workerID, outcome)
		if err != nil || settled == nil {
			return err
		}
		if settled.IsTerminal() && settled.CampaignID != nil {
			return w.aggregator.OnItemOutcome(txCtx, *settled.CampaignID, outcome)
		}
		return nil
	})
	if err != nil {
		w.logger.Printf("delivery: complete item %d failed: %v", item.ID, err)
		return
	}
	if settled == nil {
		metrics.DeliveryLeaseLost.Inc()
		w.logger.Printf("delivery: worker %s lost the lease on item %d", workerID, item.ID)
		return
	}
	if outcome.Kind != models.OutcomeSent {
		w.logger.Printf("delivery: item %d %s (attempt %d/%d): %s %s",
			item.ID, settled.Status, settled.Attempts, settled.MaxAttempts, outcome.ErrorCode, outcome.ErrorMessage)
	}
}

// OutcomeFor maps a provider result or classified error to a queue outcome
func OutcomeFor(res *services.SendResult, err error) models.DeliveryOutcome {
	if err == nil {
		out := models.DeliveryOutcome{Kind: models.OutcomeSent}
		if res != nil {
			out.ProviderMessageID = res.ProviderMessageID
		}
		return out
	}

	out := models.DeliveryOutcome{
		ErrorMessage: utils.Truncate(err.Error(), utils.MaxErrorMessageLength),
	}
	switch services.KindOf(err) {
	case services.ErrorKindConfiguration:
		out.Kind = models.OutcomeConfig
		out.ErrorCode = string(services.ErrorKindConfiguration)
	case services.ErrorKindRejected:
		out.Kind = models.OutcomeRejected
		out.ErrorCode = string(services.ErrorKindRejected)
	default:
		out.Kind = models.OutcomeTransient
		out.ErrorCode = string(services.ErrorKindTransient)
	}
	if pe, ok := services.AsProviderError(err); ok && pe.Code != "" {
		out.ErrorCode = utils.Truncate(pe.Code, 50)
	}
	return out
}
