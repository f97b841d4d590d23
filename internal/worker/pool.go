package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dataset-export/internal/domain"
)

// spawnWorkerPool starts one goroutine per unit of concurrency
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs exports from jobsChan until it is closed.
// Cancellation of ctx stops dispatching; queued messages are still settled.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for msg := range w.jobsChan {
		w.settle(context.WithoutCancel(ctx), logger, msg, w.processJob(ctx, msg))
	}

	logger.Debug("Worker goroutine stopping - jobsChan closed")
}

// processJob runs one export under the job timeout. The run is detached from
// ctx so that shutdown does not abort a half-built export.
func (w *Worker) processJob(ctx context.Context, msg *exportMessage) error {
	jobCtx := context.WithoutCancel(ctx)
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.jobTimeout)
		defer cancel()
	}

	return w.processor.ProcessExport(jobCtx, msg.ExportID)
}

// settle acknowledges a successful run and rejects a failed one. A retryable
// failure is republished with the next attempt number until MaxRetries is
// reached, then it is dead-lettered like any other failure.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, msg *exportMessage, err error) {
	attrs := []any{
		slog.Int64("export_id", msg.ExportID),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
		slog.Int("attempt", msg.Attempt),
	}

	if err == nil {
		if ackErr := w.broker.Ack(msg.DeliveryTag); ackErr != nil {
			logger.Error("Failed to ACK message", append(attrs, slog.Any("error", ackErr))...)
			return
		}
		logger.Info("Export message processed", attrs...)
		return
	}

	if shouldRequeue(err) {
		if msg.Attempt < w.maxRetries {
			logger.Warn("Export processing failed, will be retried",
				append(attrs, slog.Int("max_retries", w.maxRetries), slog.Any("error", err))...)
			w.retry(ctx, logger, msg, attrs)
			return
		}
		logger.Warn("Export exceeded max retries", append(attrs, slog.Int("max_retries", w.maxRetries))...)
	}

	logger.Error("Export processing failed, dead-lettering message", append(attrs, slog.Any("error", err))...)
	w.deadLetter(logger, msg, attrs)
}

// retry republishes msg for its next attempt and acknowledges the original.
// If the republish fails the original is dead-lettered.
func (w *Worker) retry(ctx context.Context, logger *slog.Logger, msg *exportMessage, attrs []any) {
	if err := w.broker.Retry(ctx, msg.Body, msg.ContentType, msg.Attempt+1); err != nil {
		logger.Error("Failed to republish message for retry", append(attrs, slog.Any("error", err))...)
		w.deadLetter(logger, msg, attrs)
		return
	}

	if err := w.broker.Ack(msg.DeliveryTag); err != nil {
		logger.Error("Failed to ACK retried message", append(attrs, slog.Any("error", err))...)
	}
}

func (w *Worker) deadLetter(logger *slog.Logger, msg *exportMessage, attrs []any) {
	if err := w.broker.Nack(msg.DeliveryTag, false); err != nil {
		logger.Error("Failed to NACK message", append(attrs, slog.Any("error", err))...)
	}
}

// shouldRequeue reports whether a failed delivery may be retried.
// Only failures before the export was claimed are retryable; anything later
// would be skipped on redelivery and is dead-lettered instead.
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrInvalidArgument) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
