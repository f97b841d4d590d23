// Package worker consumes "export created" notifications and runs each
// export on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// errDeliveriesClosed is returned by Start when the broker stops delivering
// before the context is canceled
var errDeliveriesClosed = errors.New("delivery channel closed")

// Broker delivers notifications and settles them. Retry republishes a
// message with its attempt number so that a delivery can be retried later.
type Broker interface {
	SetQos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	Retry(ctx context.Context, body []byte, contentType string, attempt int) error
}

// Processor runs a single export
type Processor interface {
	ProcessExport(ctx context.Context, exportID int64) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Processor     Processor
	QueueName     string
	Concurrency   int
	PrefetchCount int
	// JobTimeout bounds a single export run. In-flight runs are not canceled
	// on shutdown, only by this timeout.
	JobTimeout time.Duration
	// MaxRetries caps how often a retryable failure is retried before the
	// delivery is dead-lettered
	MaxRetries int
}

// exportMessage is a parsed delivery waiting for a pool goroutine
type exportMessage struct {
	ExportID    int64
	DeliveryTag uint64
	Body        []byte
	ContentType string
	// Attempt counts earlier retries of this message
	Attempt int
}

// Worker represents the export worker
type Worker struct {
	logger        *slog.Logger
	broker        Broker
	processor     Processor
	queueName     string
	workerID      string
	concurrency   int
	prefetchCount int
	jobTimeout    time.Duration
	maxRetries    int
	jobsChan      chan *exportMessage
	wg            sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Worker{
		logger:        cfg.Logger,
		broker:        cfg.Broker,
		processor:     cfg.Processor,
		queueName:     cfg.QueueName,
		workerID:      newWorkerID(),
		concurrency:   concurrency,
		prefetchCount: prefetch,
		jobTimeout:    cfg.JobTimeout,
		maxRetries:    maxRetries,
		jobsChan:      make(chan *exportMessage, concurrency),
	}
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "export-worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Start consumes deliveries until ctx is canceled or the broker closes the
// delivery channel, then waits for in-flight exports to settle
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Int("max_retries", w.maxRetries),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	close(w.jobsChan)
	w.wg.Wait()

	if ctx.Err() == nil {
		return errDeliveriesClosed
	}

	w.logger.Info("Worker context canceled, stopped")
	return nil
}
