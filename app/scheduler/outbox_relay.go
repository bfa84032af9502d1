package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/amirphl/Mizuchi/app/metrics"
	"github.com/amirphl/Mizuchi/app/services"
	"github.com/amirphl/Mizuchi/config"
	"github.com/amirphl/Mizuchi/repository"
	"github.com/amirphl/Mizuchi/utils"
)

// OutboxRelay publishes committed outbox rows to the event bus
type OutboxRelay struct {
	outboxRepo  repository.OutboxEventRepository
	publisher   services.EventPublisher
	tx          repository.Transactor
	logger      *log.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewOutboxRelay(
	outboxRepo repository.OutboxEventRepository,
	publisher services.EventPublisher,
	tx repository.Transactor,
	cfg config.EventsConfig,
	logger *log.Logger,
) *OutboxRelay {
	if logger == nil {
		logger = log.Default()
	}
	r := &OutboxRelay{
		outboxRepo:  outboxRepo,
		publisher:   publisher,
		tx:          tx,
		logger:      logger,
		interval:    cfg.RelayInterval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 10
	}
	return r
}

// Start launches the relay loop in a background goroutine and returns a stop function
func (r *OutboxRelay) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// drain quickly while there is a backlog
				for {
					n, err := r.RunOnce(ctx)
					if err != nil {
						r.logger.Printf("outbox: relay failed: %v", err)
						break
					}
					if n < r.batchSize || ctx.Err() != nil {
						break
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce relays one batch and returns how many rows it handled
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	handled := 0
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		rows, err := r.outboxRepo.ClaimPending(txCtx, r.batchSize)
		if err != nil || len(rows) == 0 {
			return err
		}
		handled = len(rows)

		events := make([]services.DomainEvent, 0, len(rows))
		for _, row := range rows {
			events = append(events, services.DomainEvent{
				ID:            row.UUID.String(),
				Type:          row.EventType,
				AggregateType: row.AggregateType,
				AggregateID:   row.AggregateID,
				OccurredAt:    row.CreatedAt,
				Data:          row.Payload,
			})
		}

		if perr := r.publisher.Publish(txCtx, events); perr != nil {
			metrics.OutboxPublished.WithLabelValues("failed").Add(float64(len(rows)))
			r.logger.Printf("outbox: publish of %d events failed: %v", len(rows), perr)
			msg := utils.Truncate(perr.Error(), utils.MaxErrorMessageLength)
			for _, row := range rows {
				if err := r.outboxRepo.MarkAttemptFailed(txCtx, row.ID, msg, r.maxAttempts); err != nil {
					return err
				}
			}
			return nil
		}

		now := utils.UTCNow()
		for _, row := range rows {
			if err := r.outboxRepo.MarkPublished(txCtx, row.ID, now); err != nil {
				return err
			}
		}
		metrics.OutboxPublished.WithLabelValues("published").Add(float64(len(rows)))
		return nil
	})
	return handled, err
}
