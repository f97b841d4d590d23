// Package event publishes "export created" notifications through a
// transactional outbox.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dataset-export/internal/domain"
)

const contentTypeJSON = "application/json"

// Publisher sends a message body to the broker
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Producer encodes and publishes export events
type Producer struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewProducer creates a new Producer
func NewProducer(publisher Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishExportCreated announces that export exportID was requested
func (p *Producer) PublishExportCreated(ctx context.Context, exportID int64) error {
	body, err := json.Marshal(domain.ExportCreated{ExportID: exportID})
	if err != nil {
		return fmt.Errorf("failed to marshal export created event: %w", err)
	}

	if err := p.publisher.PublishWithRetry(ctx, body, contentTypeJSON); err != nil {
		p.logger.Error("Failed to publish export created event",
			slog.Int64("export_id", exportID),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish export created event: %w", err)
	}

	p.logger.Info("Published export created event", slog.Int64("export_id", exportID))
	return nil
}
