package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/runtime"
)

// Publisher confirm errors.
var (
	ErrProviderRequired = errors.New("rabbitmq: channel provider is required")
	ErrPublisherClosed  = errors.New("rabbitmq: publisher is closed")
	ErrPublishNacked    = errors.New("rabbitmq: message was nacked by broker")
	ErrConfirmTimeout   = errors.New("rabbitmq: confirmation timed out")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmBuffer sizes the confirmation channel. Publishes are
	// serialized, so one slot would do; headroom avoids blocking the
	// amqp library on teardown races.
	confirmBuffer = 16
)

// ConfirmableChannel is the channel surface the publisher needs. It is
// satisfied by *amqp.Channel.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider returns a fresh dedicated channel when the publisher
// needs to replace a closed one.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// Publisher publishes event envelopes in confirm mode. Publish returns
// nil only after the broker acked the message, which is what lets the
// outbox delete rows safely. Publishes are serialized per instance so
// confirmations match publishes without delivery-tag bookkeeping.
type Publisher struct {
	exchange       string
	provider       ChannelProvider
	logger         log.Logger
	confirmTimeout time.Duration

	publishMu sync.Mutex
	mu        sync.Mutex
	channel   ConfirmableChannel
	confirms  chan amqp.Confirmation
	broken    bool
	shutdown  bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(logger) {
			publisher.logger = logger
		}
	}
}

// WithConfirmTimeout overrides the broker confirmation timeout.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.confirmTimeout = timeout
		}
	}
}

// WithExchange overrides the exchange published to.
func WithExchange(exchange string) PublisherOption {
	return func(publisher *Publisher) {
		if exchange != "" {
			publisher.exchange = exchange
		}
	}
}

// NewPublisher creates a confirm-mode publisher. The provider is called
// lazily: on first publish and again whenever the current channel breaks.
func NewPublisher(provider ChannelProvider, opts ...PublisherOption) (*Publisher, error) {
	if provider == nil {
		return nil, ErrProviderRequired
	}

	publisher := &Publisher{
		exchange:       DefaultEventExchange,
		provider:       provider,
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// NewPublisherFor creates a publisher drawing dedicated channels from the
// given connection.
func NewPublisherFor(connection *Connection, opts ...PublisherOption) (*Publisher, error) {
	if connection == nil {
		return nil, ErrProviderRequired
	}

	return NewPublisher(func(ctx context.Context) (ConfirmableChannel, error) {
		return connection.NewChannel(ctx)
	}, opts...)
}

// Publish sends one envelope with the event type as routing key and waits
// for the broker confirmation.
func (publisher *Publisher) Publish(ctx context.Context, eventType string, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	publisher.publishMu.Lock()
	defer publisher.publishMu.Unlock()

	channel, confirms, err := publisher.readyChannel(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := channel.PublishWithContext(ctx, publisher.exchange, eventType, false, false, msg); err != nil {
		publisher.invalidate(channel)

		return fmt.Errorf("publish to %s: %w", publisher.exchange, err)
	}

	if err := publisher.waitConfirm(ctx, confirms); err != nil {
		// An unresolved confirmation would desynchronize the next publish,
		// so the channel is discarded either way.
		publisher.invalidate(channel)

		return err
	}

	return nil
}

// Close permanently shuts the publisher down.
func (publisher *Publisher) Close() error {
	publisher.publishMu.Lock()
	defer publisher.publishMu.Unlock()

	publisher.mu.Lock()
	channel := publisher.channel
	publisher.channel = nil
	publisher.shutdown = true
	publisher.mu.Unlock()

	if !nilcheck.Interface(channel) {
		if err := channel.Close(); err != nil {
			return fmt.Errorf("close publisher channel: %w", err)
		}
	}

	return nil
}

// readyChannel returns an open confirm-mode channel, drawing a fresh one
// from the provider when none is usable. Caller holds publishMu.
func (publisher *Publisher) readyChannel(ctx context.Context) (ConfirmableChannel, chan amqp.Confirmation, error) {
	publisher.mu.Lock()

	if publisher.shutdown {
		publisher.mu.Unlock()

		return nil, nil, ErrPublisherClosed
	}

	if publisher.channel != nil && !publisher.broken {
		channel, confirms := publisher.channel, publisher.confirms
		publisher.mu.Unlock()

		return channel, confirms, nil
	}

	stale := publisher.channel
	publisher.channel = nil
	publisher.mu.Unlock()

	if !nilcheck.Interface(stale) {
		_ = stale.Close()
	}

	channel, err := publisher.provider(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("obtain publisher channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()

		return nil, nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	confirms := make(chan amqp.Confirmation, confirmBuffer)
	channel.NotifyPublish(confirms)
	publisher.watchClose(channel, channel.NotifyClose(make(chan *amqp.Error, 1)))

	publisher.mu.Lock()
	publisher.channel = channel
	publisher.confirms = confirms
	publisher.broken = false
	publisher.mu.Unlock()

	return channel, confirms, nil
}

func (publisher *Publisher) waitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation) error {
	timeout := time.NewTimer(publisher.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmation, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmation.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmation.DeliveryTag)
		}

		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("await confirmation: %w", ctx.Err())
	}
}

// invalidate discards the channel so the next publish draws a fresh one.
// Caller holds publishMu.
func (publisher *Publisher) invalidate(channel ConfirmableChannel) {
	publisher.mu.Lock()
	if publisher.channel == channel {
		publisher.channel = nil
	}
	publisher.mu.Unlock()

	if !nilcheck.Interface(channel) {
		_ = channel.Close()
	}
}

// watchClose flags the publisher as broken when the broker closes the
// channel between publishes, so the next publish replaces it up front.
func (publisher *Publisher) watchClose(channel ConfirmableChannel, closeNotify chan *amqp.Error) {
	runtime.SafeGo(publisher.logger, "rabbitmq", "publisher_close_monitor", runtime.KeepRunning, func() {
		amqpErr, ok := <-closeNotify
		if !ok {
			return
		}

		publisher.mu.Lock()
		if publisher.channel == channel {
			publisher.broken = true
		}
		publisher.mu.Unlock()

		if amqpErr != nil {
			publisher.logger.Log(context.Background(), log.LevelWarn, "publisher channel closed by broker",
				log.String("reason", amqpErr.Reason),
			)
		}
	})
}
