//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/dltmdrb1996/jobstat-api-sub007/outbox"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acks = append(a.acks, tag)

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nacks = append(a.nacks, tag)
	a.requeue = requeue

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.acks)
}

type fakeConsumeChannel struct {
	mu          sync.Mutex
	deliveries  chan amqp.Delivery
	consumeErr  error
	publishErr  error
	deadLetters []publishedMessage
}

func (c *fakeConsumeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeConsumeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}

	return c.deliveries, nil
}

func (c *fakeConsumeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publishErr != nil {
		return c.publishErr
	}

	c.deadLetters = append(c.deadLetters, publishedMessage{exchange: exchange, key: key, msg: msg})

	return nil
}

func (c *fakeConsumeChannel) deadLettered() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]publishedMessage(nil), c.deadLetters...)
}

type countingDispatcher struct {
	mu       sync.Mutex
	calls    int
	failures int
	panics   int
}

// Dispatch fails the first `failures` calls, panics the first `panics`
// calls after that, then succeeds.
func (d *countingDispatcher) Dispatch(context.Context, *outbox.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++

	if d.calls <= d.failures {
		return errors.New("projection write failed")
	}

	if d.calls <= d.failures+d.panics {
		panic("handler exploded")
	}

	return nil
}

func (d *countingDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

func fastConsumer(t *testing.T, channel ConsumeChannel, dispatcher Dispatcher) *Consumer {
	t.Helper()

	consumer, err := NewConsumer("search.indexer",
		func(context.Context) (ConsumeChannel, error) { return channel, nil },
		dispatcher,
		WithConsumerConfig(ConsumerConfig{
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
			Prefetch:     1,
		}),
	)
	require.NoError(t, err)

	return consumer
}

func delivery(ack *fakeAcknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		RoutingKey:   "order.created",
		Body:         []byte(body),
	}
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	provider := func(context.Context) (ConsumeChannel, error) { return &fakeConsumeChannel{}, nil }

	_, err := NewConsumer("  ", provider, &countingDispatcher{})
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewConsumer("q", nil, &countingDispatcher{})
	require.ErrorIs(t, err, ErrProviderRequired)

	_, err = NewConsumer("q", provider, nil)
	require.ErrorIs(t, err, ErrDispatcherRequired)
}

func TestConsumerConfigNormalizeGeneratesTag(t *testing.T) {
	t.Parallel()

	cfg := ConsumerConfig{}
	cfg.normalize()

	require.True(t, strings.HasPrefix(cfg.ConsumerTag, "relay-"))
	require.Greater(t, len(cfg.ConsumerTag), len("relay-"))

	other := ConsumerConfig{}
	other.normalize()
	require.NotEqual(t, cfg.ConsumerTag, other.ConsumerTag)

	pinned := ConsumerConfig{ConsumerTag: "worker-1"}
	pinned.normalize()
	require.Equal(t, "worker-1", pinned.ConsumerTag)
}

func TestHandleDeliveryAcksOnSuccess(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{}
	dispatcher := &countingDispatcher{}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	consumer.handleDelivery(context.Background(), channel, delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`))

	require.Equal(t, 1, dispatcher.callCount())
	require.Equal(t, []uint64{1}, ack.acks)
	require.Empty(t, channel.deadLettered())
}

func TestHandleDeliveryRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{}
	dispatcher := &countingDispatcher{failures: 2}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	consumer.handleDelivery(context.Background(), channel, delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`))

	require.Equal(t, 3, dispatcher.callCount())
	require.Equal(t, []uint64{1}, ack.acks)
	require.Empty(t, channel.deadLettered())
}

func TestHandleDeliveryDeadLettersAfterRetryExhaustion(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{}
	dispatcher := &countingDispatcher{failures: 10}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	consumer.handleDelivery(context.Background(), channel, delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`))

	// One initial attempt plus two retries.
	require.Equal(t, 3, dispatcher.callCount())

	parked := channel.deadLettered()
	require.Len(t, parked, 1)
	require.Equal(t, DefaultDLXExchange, parked[0].exchange)
	require.Equal(t, "order.created", parked[0].key)

	headers := parked[0].msg.Headers
	require.Equal(t, "order.created", headers[HeaderOriginalTopic])
	require.Equal(t, FailureSourceHandlerFailure, headers[HeaderFailureSource])
	require.Equal(t, int32(2), headers[HeaderRetryCount])
	require.Equal(t, "projection write failed", headers[HeaderLastError])

	require.Equal(t, []uint64{1}, ack.acks)
	require.Empty(t, ack.nacks)
}

func TestHandleDeliveryCapturesPanicStack(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{}
	dispatcher := &countingDispatcher{panics: 10}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	consumer.handleDelivery(context.Background(), channel, delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`))

	parked := channel.deadLettered()
	require.Len(t, parked, 1)

	headers := parked[0].msg.Headers
	require.Contains(t, headers[HeaderLastError], "handler panicked")
	require.NotEmpty(t, headers[HeaderStacktrace])
	require.Equal(t, []uint64{1}, ack.acks)
}

func TestHandleDeliveryDeadLettersMalformedBody(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{}
	dispatcher := &countingDispatcher{}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	consumer.handleDelivery(context.Background(), channel, delivery(ack, 1, `not-json`))

	require.Zero(t, dispatcher.callCount())
	require.Len(t, channel.deadLettered(), 1)
	require.Equal(t, []uint64{1}, ack.acks)
}

func TestHandleDeliveryRequeuesWhenDeadLetterPublishFails(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{publishErr: errors.New("broker down")}
	dispatcher := &countingDispatcher{failures: 10}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	consumer.handleDelivery(context.Background(), channel, delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`))

	require.Empty(t, ack.acks)
	require.Equal(t, []uint64{1}, ack.nacks)
	require.True(t, ack.requeue)
}

func TestConsumerRunProcessesDeliveries(t *testing.T) {
	t.Parallel()

	deliveries := make(chan amqp.Delivery, 1)
	channel := &fakeConsumeChannel{deliveries: deliveries}
	dispatcher := &countingDispatcher{}
	consumer := fastConsumer(t, channel, dispatcher)
	ack := &fakeAcknowledger{}

	done := make(chan error, 1)

	go func() {
		done <- consumer.RunContext(context.Background())
	}()

	deliveries <- delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`)

	require.Eventually(t, func() bool {
		return ack.ackCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	consumer.Stop()
	require.NoError(t, <-done)
}

// rendezvousDispatcher blocks every Dispatch call until released, so the
// test can observe how many handlers run at once.
type rendezvousDispatcher struct {
	arrived chan struct{}
	release chan struct{}
}

func (d *rendezvousDispatcher) Dispatch(context.Context, *outbox.Envelope) error {
	d.arrived <- struct{}{}
	<-d.release

	return nil
}

func TestConsumerDispatchesDeliveriesConcurrently(t *testing.T) {
	t.Parallel()

	deliveries := make(chan amqp.Delivery, 2)
	channel := &fakeConsumeChannel{deliveries: deliveries}
	dispatcher := &rendezvousDispatcher{
		arrived: make(chan struct{}, 2),
		release: make(chan struct{}),
	}

	consumer, err := NewConsumer("search.indexer",
		func(context.Context) (ConsumeChannel, error) { return channel, nil },
		dispatcher,
		WithConsumerConfig(ConsumerConfig{Prefetch: 2}),
	)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}

	done := make(chan error, 1)

	go func() {
		done <- consumer.RunContext(context.Background())
	}()

	deliveries <- delivery(ack, 1, `{"eventId":1,"type":"order.created","payload":{}}`)
	deliveries <- delivery(ack, 2, `{"eventId":2,"type":"order.created","payload":{}}`)

	// Both handlers are in flight before either is released, so a slow
	// delivery does not block the one behind it.
	for range 2 {
		select {
		case <-dispatcher.arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("second handler never started while the first was blocked")
		}
	}

	close(dispatcher.release)

	require.Eventually(t, func() bool {
		return ack.ackCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	consumer.Stop()
	require.NoError(t, <-done)
}

func TestConsumerRejectsDoubleRun(t *testing.T) {
	t.Parallel()

	channel := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	consumer := fastConsumer(t, channel, &countingDispatcher{})

	go func() {
		_ = consumer.RunContext(context.Background())
	}()

	require.Eventually(t, func() bool {
		return consumer.RunContext(context.Background()) == ErrConsumerRunning
	}, 2*time.Second, 10*time.Millisecond)

	consumer.Stop()
}

func TestTruncateErrorBoundsHeaderSize(t *testing.T) {
	t.Parallel()

	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}

	require.Len(t, truncateError(errors.New(string(long))), maxErrorLength)
	require.Empty(t, truncateError(nil))
}
