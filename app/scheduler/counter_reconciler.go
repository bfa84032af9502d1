package scheduler

import (
	"context"
	"log"
	"time"

	businessflow "github.com/amirphl/Mizuchi/business_flow"
	"github.com/amirphl/Mizuchi/repository"
)

// activeCampaignScanLimit caps how many campaigns one rebuild pass looks at
const activeCampaignScanLimit = 500

// CounterReconciler periodically recounts active campaigns from their queue items.
// The hot path keeps counters incrementally; this job only corrects drift.
type CounterReconciler struct {
	campaignRepo repository.CampaignRepository
	aggregator   businessflow.CampaignAggregator
	logger       *log.Logger
	interval     time.Duration
}

func NewCounterReconciler(
	campaignRepo repository.CampaignRepository,
	aggregator businessflow.CampaignAggregator,
	interval time.Duration,
	logger *log.Logger,
) *CounterReconciler {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &CounterReconciler{
		campaignRepo: campaignRepo,
		aggregator:   aggregator,
		logger:       logger,
		interval:     interval,
	}
}

// Start launches the rebuild loop in a background goroutine and returns a stop function
func (c *CounterReconciler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.RunOnce(ctx); err != nil {
					c.logger.Printf("counters: rebuild pass failed: %v", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce rebuilds every active campaign and returns how many needed correction
func (c *CounterReconciler) RunOnce(ctx context.Context) (int, error) {
	campaigns, err := c.campaignRepo.ListActive(ctx, activeCampaignScanLimit)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, campaign := range campaigns {
		if ctx.Err() != nil {
			return corrected, ctx.Err()
		}
		res, err := c.aggregator.RebuildCounters(ctx, campaign.ID)
		if err != nil {
			c.logger.Printf("counters: campaign %d: %v", campaign.ID, err)
			continue
		}
		if res.Changed {
			corrected++
			c.logger.Printf("counters: campaign %d corrected to sent=%d failed=%d delivered=%d read=%d clicked=%d",
				campaign.ID, res.Sent, res.Failed, res.Delivered, res.Read, res.Clicked)
		}
	}
	return corrected, nil
}
