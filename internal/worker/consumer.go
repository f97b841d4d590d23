package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer applies QoS and returns the delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.broker.SetQos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// parseExportCreated decodes a delivery body. Malformed bodies and
// non-positive ids are rejected.
func parseExportCreated(body []byte) (int64, error) {
	var msg domain.ExportCreated
	if err := json.Unmarshal(body, &msg); err != nil {
		return 0, fmt.Errorf("%w: malformed export created event: %v", domain.ErrInvalidArgument, err)
	}
	if msg.ExportID <= 0 {
		return 0, fmt.Errorf("%w: export_id must be positive, got %d", domain.ErrInvalidArgument, msg.ExportID)
	}
	return msg.ExportID, nil
}

// startMessageDispatcher hands deliveries to the worker pool until ctx is
// canceled or the delivery channel closes
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			exportID, err := parseExportCreated(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting undecodable message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := w.broker.Nack(delivery.DeliveryTag, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			msg := &exportMessage{
				ExportID:    exportID,
				DeliveryTag: delivery.DeliveryTag,
				Body:        delivery.Body,
				ContentType: delivery.ContentType,
				Attempt:     rabbitmq.RetryCount(delivery),
			}

			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Export dispatched to worker pool",
					slog.Int64("export_id", exportID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching export")
				if nackErr := w.broker.Nack(delivery.DeliveryTag, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}
