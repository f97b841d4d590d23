package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/cuongbtq/dataset-export/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	ack     bool
	requeue bool
}

// fakeBroker records settlements. With redeliver set, Retry puts the message
// back on the delivery channel the way the retry queue would.
type fakeBroker struct {
	deliveries chan amqp.Delivery
	qosErr     error
	retryErr   error
	redeliver  bool
	prefetch   int

	mu      sync.Mutex
	settled map[uint64]settlement
	retries []int
	nextTag uint64
}

func newFakeBroker(bodies ...string) *fakeBroker {
	b := &fakeBroker{
		deliveries: make(chan amqp.Delivery, len(bodies)+8),
		settled:    make(map[uint64]settlement),
		nextTag:    uint64(len(bodies)),
	}
	for i, body := range bodies {
		b.deliveries <- amqp.Delivery{DeliveryTag: uint64(i + 1), Body: []byte(body), ContentType: "application/json"}
	}
	return b
}

func (b *fakeBroker) Retry(_ context.Context, body []byte, contentType string, attempt int) error {
	if b.retryErr != nil {
		return b.retryErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries = append(b.retries, attempt)
	if b.redeliver {
		b.nextTag++
		b.deliveries <- amqp.Delivery{
			DeliveryTag: b.nextTag,
			Body:        body,
			ContentType: contentType,
			Headers:     amqp.Table{rabbitmq.RetryCountHeader: int32(attempt)},
		}
	}
	return nil
}

func (b *fakeBroker) retried() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.retries...)
}

func (b *fakeBroker) SetQos(prefetchCount int) error {
	b.prefetch = prefetchCount
	return b.qosErr
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled[tag] = settlement{ack: true}
	return nil
}

func (b *fakeBroker) Nack(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled[tag] = settlement{requeue: requeue}
	return nil
}

func (b *fakeBroker) settlement(tag uint64) (settlement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.settled[tag]
	return s, ok
}

type fakeProcessor struct {
	errs map[int64]error

	mu    sync.Mutex
	calls []int64
}

func (p *fakeProcessor) ProcessExport(_ context.Context, exportID int64) error {
	p.mu.Lock()
	p.calls = append(p.calls, exportID)
	p.mu.Unlock()
	return p.errs[exportID]
}

func (p *fakeProcessor) called() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.calls...)
}

func newTestWorker(broker Broker, processor Processor, concurrency int) *Worker {
	return NewWorker(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Broker:      broker,
		Processor:   processor,
		QueueName:   "export_created_queue",
		Concurrency: concurrency,
		JobTimeout:  time.Minute,
		MaxRetries:  3,
	})
}

func TestWorker_SettlesByOutcome(t *testing.T) {
	broker := newFakeBroker(
		`{"export_id":1}`,
		`{"export_id":2}`,
		`{"export_id":3}`,
		`{"export_id":4}`,
		`not json`,
		`{"export_id":0}`,
		`{"export_id":-5}`,
	)
	close(broker.deliveries)

	processor := &fakeProcessor{errs: map[int64]error{
		2: domain.NewRetryableError(errors.New("connection refused")),
		3: fmt.Errorf("failed to upload export file: %w", domain.ErrInternal),
		4: fmt.Errorf("%w: no builder for export type 7", domain.ErrInvalidArgument),
	}}

	w := newTestWorker(broker, processor, 2)
	err := w.Start(context.Background())
	require.ErrorIs(t, err, errDeliveriesClosed)

	tests := []struct {
		tag  uint64
		want settlement
	}{
		{tag: 1, want: settlement{ack: true}},
		{tag: 2, want: settlement{ack: true}},
		{tag: 3, want: settlement{}},
		{tag: 4, want: settlement{}},
		{tag: 5, want: settlement{}},
		{tag: 6, want: settlement{}},
		{tag: 7, want: settlement{}},
	}
	for _, tt := range tests {
		got, ok := broker.settlement(tt.tag)
		require.True(t, ok, "delivery %d was not settled", tt.tag)
		assert.Equal(t, tt.want, got, "delivery %d", tt.tag)
	}

	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, processor.called())
	assert.Equal(t, []int{1}, broker.retried())
	assert.Equal(t, 2, broker.prefetch)
}

func TestWorker_DeadLettersAfterMaxRetries(t *testing.T) {
	broker := newFakeBroker(`{"export_id":1}`)
	broker.redeliver = true

	processor := &fakeProcessor{errs: map[int64]error{
		1: domain.NewRetryableError(errors.New("database is unavailable")),
	}}
	w := newTestWorker(broker, processor, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := broker.settlement(4)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for tag := uint64(1); tag <= 3; tag++ {
		got, ok := broker.settlement(tag)
		require.True(t, ok)
		assert.Equal(t, settlement{ack: true}, got, "delivery %d", tag)
	}
	got, _ := broker.settlement(4)
	assert.Equal(t, settlement{}, got)

	assert.Equal(t, []int{1, 2, 3}, broker.retried())
	assert.Equal(t, []int64{1, 1, 1, 1}, processor.called())
}

func TestWorker_DeadLettersWhenRetryPublishFails(t *testing.T) {
	broker := newFakeBroker(`{"export_id":1}`)
	broker.retryErr = errors.New("channel closed")
	close(broker.deliveries)

	processor := &fakeProcessor{errs: map[int64]error{
		1: domain.NewRetryableError(errors.New("lock wait timeout")),
	}}

	err := newTestWorker(broker, processor, 1).Start(context.Background())
	require.ErrorIs(t, err, errDeliveriesClosed)

	got, ok := broker.settlement(1)
	require.True(t, ok)
	assert.Equal(t, settlement{}, got)
}

func TestWorker_ZeroMaxRetriesDeadLettersAtOnce(t *testing.T) {
	broker := newFakeBroker(`{"export_id":1}`)
	close(broker.deliveries)

	processor := &fakeProcessor{errs: map[int64]error{
		1: domain.NewRetryableError(errors.New("connection refused")),
	}}
	w := NewWorker(&Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Broker:    broker,
		Processor: processor,
	})

	require.ErrorIs(t, w.Start(context.Background()), errDeliveriesClosed)

	got, ok := broker.settlement(1)
	require.True(t, ok)
	assert.Equal(t, settlement{}, got)
	assert.Empty(t, broker.retried())
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	broker := newFakeBroker()
	w := newTestWorker(broker, &fakeProcessor{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_QosFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.qosErr = errors.New("channel closed")

	err := newTestWorker(broker, &fakeProcessor{}, 1).Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set QoS")
}

type blockingProcessor struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	deadline atomic.Bool
}

func (p *blockingProcessor) ProcessExport(ctx context.Context, _ int64) error {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if _, ok := ctx.Deadline(); ok {
		p.deadline.Store(true)
	}
	<-p.release
	return nil
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	bodies := make([]string, 6)
	for i := range bodies {
		bodies[i] = fmt.Sprintf(`{"export_id":%d}`, i+1)
	}
	broker := newFakeBroker(bodies...)
	close(broker.deliveries)

	processor := &blockingProcessor{release: make(chan struct{})}
	w := newTestWorker(broker, processor, 3)

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	require.Eventually(t, func() bool { return processor.inFlight.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	close(processor.release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, errDeliveriesClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}

	assert.Equal(t, int32(3), processor.peak.Load())
	assert.True(t, processor.deadline.Load())
	for tag := uint64(1); tag <= 6; tag++ {
		got, ok := broker.settlement(tag)
		require.True(t, ok)
		assert.True(t, got.ack)
	}
}

func TestParseExportCreated(t *testing.T) {
	id, err := parseExportCreated([]byte(`{"export_id":42,"extra":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseExportCreated([]byte(`{"export_id":"42"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = parseExportCreated([]byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestShouldRequeue(t *testing.T) {
	assert.True(t, shouldRequeue(domain.NewRetryableError(errors.New("timeout"))))
	assert.False(t, shouldRequeue(domain.NewRetryableError(domain.ErrInvalidArgument)))
	assert.False(t, shouldRequeue(domain.ErrInternal))
	assert.False(t, shouldRequeue(context.DeadlineExceeded))
}
