package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/dataset-export/internal/storage"
)

// Relay moves pending outbox rows to the broker. A row is deleted only after
// its event was published, so every event is delivered at least once.
type Relay struct {
	store     storage.Store
	producer  *Producer
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// NewRelay creates a new Relay
func NewRelay(store storage.Store, producer *Producer, batchSize int, interval time.Duration, logger *slog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Relay{
		store:     store,
		producer:  producer,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
	}
}

// Flush publishes pending events until the outbox is empty or a publish
// fails. It returns the number of events published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		published, claimed, err := r.flushBatch(ctx)
		total += published
		if err != nil {
			return total, err
		}
		if claimed < r.batchSize {
			return total, nil
		}
	}
}

// flushBatch claims a batch in a short transaction, publishes it with no row
// locks held and deletes the published rows in a second transaction. A
// concurrent relay may publish the same rows again.
func (r *Relay) flushBatch(ctx context.Context) (int, int, error) {
	var events []storage.OutboxEvent
	err := r.store.WithTransaction(ctx, func(tx storage.Accessor) error {
		var err error
		events, err = tx.ClaimPendingEvents(ctx, r.batchSize)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to claim outbox events", slog.Any("error", err))
		return 0, 0, err
	}

	var (
		publishErr error
		published  []int64
	)
	for _, e := range events {
		if err := r.producer.PublishExportCreated(ctx, e.ExportID); err != nil {
			publishErr = err
			break
		}
		published = append(published, e.ID)
	}

	if len(published) > 0 {
		err = r.store.WithTransaction(ctx, func(tx storage.Accessor) error {
			return tx.DeletePendingEvents(ctx, published)
		})
		if err != nil {
			r.logger.Error("Failed to delete relayed outbox events",
				slog.Int("published", len(published)),
				slog.Any("error", err),
			)
			return len(published), len(events), err
		}
	}

	return len(published), len(events), publishErr
}

// Run flushes the outbox every interval until ctx is cancelled
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("Outbox relay started", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.logger.Warn("Outbox relay flush incomplete",
					slog.Int("published", n),
					slog.Any("error", err),
				)
				continue
			}
			if n > 0 {
				r.logger.Info("Relayed outbox events", slog.Int("published", n))
			}
		}
	}
}
