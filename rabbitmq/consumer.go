package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	relay "github.com/dltmdrb1996/jobstat-api-sub007"
	"github.com/dltmdrb1996/jobstat-api-sub007/backoff"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/outbox"
	libruntime "github.com/dltmdrb1996/jobstat-api-sub007/runtime"
)

// Headers attached to dead-lettered messages.
const (
	HeaderOriginalTopic = "x-original-topic"
	HeaderFailureSource = "x-failure-source"
	HeaderRetryCount    = "x-retry-count"
	HeaderLastError     = "x-last-error"
	HeaderStacktrace    = "x-exception-stacktrace"
)

// Values of the HeaderFailureSource header.
const (
	// FailureSourceOutboxPublish marks messages that could not be
	// delivered by the outbox publish path.
	FailureSourceOutboxPublish = "outbox-publish"

	// FailureSourceHandlerFailure marks messages whose consumer handler
	// kept failing after retries.
	FailureSourceHandlerFailure = "handler-failure"
)

var (
	// ErrQueueRequired is returned when a consumer is created without a queue name.
	ErrQueueRequired = errors.New("rabbitmq: consumer queue is required")
	// ErrDispatcherRequired is returned when a consumer is created without a dispatcher.
	ErrDispatcherRequired = errors.New("rabbitmq: dispatcher is required")
	// ErrConsumerRunning is returned when Run is called on a running consumer.
	ErrConsumerRunning = errors.New("rabbitmq: consumer is already running")
)

const (
	// DefaultMaxRetries is how many times a failing handler is retried
	// before the message is dead-lettered.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the initial delay between handler retries.
	DefaultRetryBackoff = 200 * time.Millisecond

	// DefaultPrefetch bounds unacked deliveries per consumer.
	DefaultPrefetch = 32

	// consumeRetryBackoff is the initial delay before re-establishing a
	// broken consume stream.
	consumeRetryBackoff = time.Second
)

// Dispatcher routes a decoded envelope to its handlers. Satisfied by
// dispatch.Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, envelope *outbox.Envelope) error
}

// ConsumeChannel is the channel surface the consumer needs. It is
// satisfied by *amqp.Channel.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ConsumeChannelProvider returns a channel to consume from, called again
// whenever the delivery stream breaks.
type ConsumeChannelProvider func(ctx context.Context) (ConsumeChannel, error)

// ConsumerConfig tunes the retry and prefetch behavior of a consumer.
type ConsumerConfig struct {
	ConsumerTag  string
	MaxRetries   int
	RetryBackoff time.Duration
	Prefetch     int
	DLXExchange  string
}

// DefaultConsumerConfig returns the production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		Prefetch:     DefaultPrefetch,
		DLXExchange:  DefaultDLXExchange,
	}
}

func (cfg *ConsumerConfig) normalize() {
	defaults := DefaultConsumerConfig()

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaults.Prefetch
	}

	if cfg.DLXExchange == "" {
		cfg.DLXExchange = defaults.DLXExchange
	}

	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "relay-" + uuid.NewString()
	}
}

// Consumer pulls deliveries from one queue, dispatches each on its own
// goroutine with in-flight concurrency capped at the prefetch count, and
// retries handler failures in process before dead-lettering. It
// implements the relay.App lifecycle.
type Consumer struct {
	queue      string
	provider   ConsumeChannelProvider
	dispatcher Dispatcher
	logger     log.Logger
	cfg        ConsumerConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ relay.App = (*Consumer)(nil)

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(consumer *Consumer) {
		if !nilcheck.Interface(logger) {
			consumer.logger = logger
		}
	}
}

// WithConsumerConfig overrides the consumer configuration.
func WithConsumerConfig(cfg ConsumerConfig) ConsumerOption {
	return func(consumer *Consumer) {
		consumer.cfg = cfg
	}
}

// NewConsumer creates a consumer for the given queue.
func NewConsumer(queue string, provider ConsumeChannelProvider, dispatcher Dispatcher, opts ...ConsumerOption) (*Consumer, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, ErrQueueRequired
	}

	if provider == nil {
		return nil, ErrProviderRequired
	}

	if nilcheck.Interface(dispatcher) {
		return nil, ErrDispatcherRequired
	}

	consumer := &Consumer{
		queue:      queue,
		provider:   provider,
		dispatcher: dispatcher,
		logger:     log.NewNop(),
		cfg:        DefaultConsumerConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	consumer.cfg.normalize()

	return consumer, nil
}

// NewConsumerFor creates a consumer drawing channels from the given
// connection.
func NewConsumerFor(connection *Connection, queue string, dispatcher Dispatcher, opts ...ConsumerOption) (*Consumer, error) {
	if connection == nil {
		return nil, ErrProviderRequired
	}

	return NewConsumer(queue, func(ctx context.Context) (ConsumeChannel, error) {
		return connection.Channel(ctx)
	}, dispatcher, opts...)
}

// Run consumes until Stop is called.
func (consumer *Consumer) Run(_ *relay.Launcher) error {
	return consumer.RunContext(context.Background())
}

// RunContext consumes until Stop is called or ctx is cancelled. A broken
// delivery stream is re-established with backoff.
func (consumer *Consumer) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if !consumer.registerRun(cancel) {
		cancel()

		return ErrConsumerRunning
	}

	defer consumer.clearRun()

	defer libruntime.RecoverAndLog(loopCtx, consumer.logger, "rabbitmq", "consume_loop")

	for attempt := 0; ; attempt++ {
		select {
		case <-consumer.stop:
			return nil
		case <-loopCtx.Done():
			return nil
		default:
		}

		channel, deliveries, err := consumer.openStream(loopCtx)
		if err != nil {
			consumer.logger.Log(loopCtx, log.LevelWarn, "failed to open consume stream",
				log.String("queue", consumer.queue),
				log.Err(err),
			)

			if sleepErr := backoff.SleepWithContext(loopCtx, backoff.ExponentialWithJitter(consumeRetryBackoff, attempt)); sleepErr != nil {
				return nil
			}

			continue
		}

		attempt = 0

		if done := consumer.drain(loopCtx, channel, deliveries); done {
			return nil
		}
	}
}

// Stop signals the consume loop to stop.
func (consumer *Consumer) Stop() {
	consumer.stopOnce.Do(func() {
		consumer.runStateMu.Lock()
		cancel := consumer.cancelFunc
		consumer.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(consumer.stop)
	})
}

// Shutdown stops the consume loop.
func (consumer *Consumer) Shutdown(_ context.Context) error {
	consumer.Stop()

	return nil
}

func (consumer *Consumer) openStream(ctx context.Context) (ConsumeChannel, <-chan amqp.Delivery, error) {
	channel, err := consumer.provider(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := channel.Qos(consumer.cfg.Prefetch, 0, false); err != nil {
		return nil, nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := channel.Consume(consumer.queue, consumer.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consume %s: %w", consumer.queue, err)
	}

	return channel, deliveries, nil
}

// drain processes deliveries until the stream closes or the consumer
// stops. Returns true when the consumer should exit.
//
// Each delivery runs on its own goroutine; the slot pool caps in-flight
// handlers at the prefetch count so a slow handler never blocks the rest
// of the window. In-flight handlers finish before drain returns.
func (consumer *Consumer) drain(ctx context.Context, channel ConsumeChannel, deliveries <-chan amqp.Delivery) bool {
	slots := make(chan struct{}, consumer.cfg.Prefetch)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		select {
		case <-consumer.stop:
			return true
		case <-ctx.Done():
			return true
		case delivery, ok := <-deliveries:
			if !ok {
				consumer.logger.Log(ctx, log.LevelWarn, "delivery stream closed; reconnecting",
					log.String("queue", consumer.queue),
				)

				return false
			}

			slots <- struct{}{}
			handlers.Add(1)

			libruntime.SafeGo(consumer.logger, "rabbitmq", "handle_delivery", libruntime.KeepRunning, func() {
				defer handlers.Done()
				defer func() { <-slots }()

				consumer.handleDelivery(ctx, channel, delivery)
			})
		}
	}
}

func (consumer *Consumer) handleDelivery(ctx context.Context, channel ConsumeChannel, delivery amqp.Delivery) {
	envelope, err := outbox.DecodeEnvelope(delivery.Body)
	if err != nil {
		// Redelivery cannot fix a malformed body; park it immediately.
		consumer.logger.Log(ctx, log.LevelError, "malformed event body; dead-lettering",
			log.String("queue", consumer.queue),
			log.Err(err),
		)

		consumer.deadLetterAndAck(ctx, channel, delivery, 0, err, "")

		return
	}

	lastErr, stack := consumer.dispatchWithRetries(ctx, envelope)
	if lastErr == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			consumer.logger.Log(ctx, log.LevelWarn, "failed to ack delivery",
				log.Uint64("event_id", envelope.EventID),
				log.Err(ackErr),
			)
		}

		return
	}

	consumer.logger.Log(ctx, log.LevelError, "handler failed after retries; dead-lettering",
		log.Uint64("event_id", envelope.EventID),
		log.String("event_type", envelope.Type),
		log.Int("retries", consumer.cfg.MaxRetries),
		log.Err(lastErr),
	)

	consumer.deadLetterAndAck(ctx, channel, delivery, consumer.cfg.MaxRetries, lastErr, stack)
}

// dispatchWithRetries runs the dispatcher with bounded in-process retries.
// Returns the final error and, when the handler panicked, its stack.
func (consumer *Consumer) dispatchWithRetries(ctx context.Context, envelope *outbox.Envelope) (error, string) {
	var (
		lastErr error
		stack   string
	)

	for attempt := 0; attempt <= consumer.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, backoff.ExponentialWithJitter(consumer.cfg.RetryBackoff, attempt-1)); err != nil {
				return lastErr, stack
			}
		}

		lastErr, stack = consumer.dispatchOnce(ctx, envelope)
		if lastErr == nil {
			return nil, ""
		}
	}

	return lastErr, stack
}

func (consumer *Consumer) dispatchOnce(ctx context.Context, envelope *outbox.Envelope) (err error, stack string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
			stack = string(debug.Stack())
		}
	}()

	return consumer.dispatcher.Dispatch(ctx, envelope), ""
}

// deadLetterAndAck republishes the message to the dead-letter exchange
// with failure metadata and acks the original only when the republish
// succeeded. On republish failure the message is requeued instead, so it
// is never dropped.
func (consumer *Consumer) deadLetterAndAck(ctx context.Context, channel ConsumeChannel, delivery amqp.Delivery, retries int, failure error, stack string) {
	headers := amqp.Table{
		HeaderOriginalTopic: delivery.RoutingKey,
		HeaderFailureSource: FailureSourceHandlerFailure,
		HeaderRetryCount:    int32(retries),
		HeaderLastError:     truncateError(failure),
	}

	if stack != "" {
		headers[HeaderStacktrace] = stack
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         delivery.Body,
	}

	if err := channel.PublishWithContext(ctx, consumer.cfg.DLXExchange, delivery.RoutingKey, false, false, msg); err != nil {
		consumer.logger.Log(ctx, log.LevelError, "dead-letter publish failed; requeueing delivery",
			log.String("queue", consumer.queue),
			log.Err(err),
		)

		if nackErr := delivery.Nack(false, true); nackErr != nil {
			consumer.logger.Log(ctx, log.LevelError, "failed to requeue delivery", log.Err(nackErr))
		}

		return
	}

	if err := delivery.Ack(false); err != nil {
		consumer.logger.Log(ctx, log.LevelWarn, "failed to ack dead-lettered delivery", log.Err(err))
	}
}

func (consumer *Consumer) registerRun(cancel context.CancelFunc) bool {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	if consumer.running {
		return false
	}

	consumer.running = true
	consumer.cancelFunc = cancel

	return true
}

func (consumer *Consumer) clearRun() {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	consumer.running = false
	consumer.cancelFunc = nil
}

// maxErrorLength bounds error text carried in dead-letter headers.
const maxErrorLength = 2000

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	message := err.Error()
	if len(message) > maxErrorLength {
		return message[:maxErrorLength]
	}

	return message
}
