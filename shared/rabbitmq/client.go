package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the client has been closed or never connected
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// RetryCountHeader carries the number of times a message was republished by Retry
const RetryCountHeader = "x-retry-count"

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	// DeadLetterExchange receives deliveries rejected without requeue.
	// A "<queue>.dead" queue is bound to it.
	DeadLetterExchange string
	// RetryDelay holds retried messages in a "<queue>.retry" queue before they
	// return to the exchange. Zero republishes them directly.
	RetryDelay         time.Duration
	RoutingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client represents a RabbitMQ client
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	connected atomic.Bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempt := 0
	dial := func() error {
		attempt++
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
		)

		conn, err := amqp.DialConfig(dsn, amqpConfig)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", next),
		)
	}

	if err := backoff.RetryNotify(dial, connectBackOff(c.config), notify); err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}
	c.logger.Info("Successfully connected to RabbitMQ")

	channel, err := c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}
	c.channel = channel

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	closed := c.channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok {
			c.logger.Error("RabbitMQ channel closed", slog.Any("error", amqpErr))
		}
		c.connected.Store(false)
	}()
	c.connected.Store(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_exchange", c.config.DeadLetterExchange),
	)

	return nil
}

// setup declares exchange, queue, dead-letter topology and bindings
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if dlx := c.config.DeadLetterExchange; dlx != "" {
		if err := c.channel.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead letter exchange: %w", err)
		}
		deadQueue := deadLetterQueueName(c.config.QueueName)
		if _, err := c.channel.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead letter queue: %w", err)
		}
		if err := c.channel.QueueBind(deadQueue, "", dlx, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead letter queue: %w", err)
		}
	}

	if c.config.RetryDelay > 0 {
		if _, err := c.channel.QueueDeclare(retryQueueName(c.config.QueueName), true, false, false, false, retryQueueArgs(c.config)); err != nil {
			return fmt.Errorf("failed to declare retry queue: %w", err)
		}
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,       // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		queueArgs(c.config),      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// PublishWithRetry publishes a persistent message, retrying with exponential
// backoff until it succeeds, the retries run out or ctx is done
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	return c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, amqp.Publishing{
		ContentType: contentType,
		Body:        body,
	})
}

// Retry republishes a consumed message for another attempt, recording attempt
// in RetryCountHeader. With a RetryDelay the message is delayed in the retry queue.
func (c *Client) Retry(ctx context.Context, body []byte, contentType string, attempt int) error {
	exchange, key := c.config.ExchangeName, c.config.RoutingKey
	if c.config.RetryDelay > 0 {
		exchange, key = "", retryQueueName(c.config.QueueName)
	}

	return c.publish(ctx, exchange, key, amqp.Publishing{
		ContentType: contentType,
		Body:        body,
		Headers:     amqp.Table{RetryCountHeader: int32(attempt)},
	})
}

func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	msg.DeliveryMode = amqp.Persistent
	msg.Timestamp = time.Now()

	attempt := 0
	publish := func() error {
		attempt++
		return c.channel.PublishWithContext(
			ctx,
			exchange, // exchange
			key,      // routing key
			false,    // mandatory
			false,    // immediate
			msg,
		)
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", next),
			slog.Any("error", err),
		)
	}

	if err := backoff.RetryNotify(publish, backoff.WithContext(publishBackOff(c.config), ctx), notify); err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ after all retries",
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message after %d attempts: %w", attempt, err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("routing_key", key),
		slog.Int("attempts", attempt),
		slog.Int("body_size", len(msg.Body)),
		slog.String("content_type", msg.ContentType),
	)

	return nil
}

// SetQos limits the number of unacknowledged deliveries per consumer
func (c *Client) SetQos(prefetchCount int) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if err := c.channel.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

// Consume starts consuming messages from the queue with manual acknowledgement
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	messages, err := c.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Ack acknowledges a single delivery
func (c *Client) Ack(deliveryTag uint64) error {
	return c.channel.Ack(deliveryTag, false)
}

// Nack rejects a single delivery. Without requeue it is dead-lettered.
func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	return c.channel.Nack(deliveryTag, false, requeue)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.connected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}

func queueArgs(config *Config) amqp.Table {
	if config.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": config.DeadLetterExchange}
}

func deadLetterQueueName(queue string) string {
	return queue + ".dead"
}

func retryQueueName(queue string) string {
	return queue + ".retry"
}

// retryQueueArgs expire retried messages back onto the main exchange
func retryQueueArgs(config *Config) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             config.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    config.ExchangeName,
		"x-dead-letter-routing-key": config.RoutingKey,
	}
}

// RetryCount returns how many times d was republished by Retry
func RetryCount(d amqp.Delivery) int {
	switch v := d.Headers[RetryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 0
}

func connectBackOff(config *Config) backoff.BackOff {
	interval := config.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1))
}

func publishBackOff(config *Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.PublishRetryDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.Multiplier = config.PublishBackoffMult
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(retries))
}
