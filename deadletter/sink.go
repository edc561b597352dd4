package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	relay "github.com/dltmdrb1996/jobstat-api-sub007"
	"github.com/dltmdrb1996/jobstat-api-sub007/backoff"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/outbox"
	"github.com/dltmdrb1996/jobstat-api-sub007/rabbitmq"
	libruntime "github.com/dltmdrb1996/jobstat-api-sub007/runtime"
)

var (
	// ErrStoreRequired is returned when a sink is created without a store.
	ErrStoreRequired = errors.New("deadletter: store is required")
	// ErrProviderRequired is returned when a sink is created without a channel provider.
	ErrProviderRequired = errors.New("deadletter: channel provider is required")
	// ErrIDSourceRequired is returned when a sink is created without an id source.
	ErrIDSourceRequired = errors.New("deadletter: id source is required")
	// ErrSinkRunning is returned when Run is called on a running sink.
	ErrSinkRunning = errors.New("deadletter: sink is already running")
)

const (
	// DefaultPrefetch bounds unacked DLQ deliveries.
	DefaultPrefetch = 16

	// consumeRetryBackoff is the initial delay before re-establishing a
	// broken consume stream.
	consumeRetryBackoff = time.Second
)

// IDSource mints identifiers for records whose body could not be decoded.
// Satisfied by snowflake.Generator.
type IDSource interface {
	NextID() (uint64, error)
}

// Sink drains the dead-letter queue into the store. It implements the
// relay.App lifecycle. A delivery is acknowledged only after its record
// was persisted; when the store is down the delivery is requeued, keeping
// the queue as the buffer.
type Sink struct {
	queue    string
	provider rabbitmq.ConsumeChannelProvider
	store    Store
	ids      IDSource
	logger   log.Logger
	prefetch int

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ relay.App = (*Sink)(nil)

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSinkLogger sets the sink logger.
func WithSinkLogger(logger log.Logger) SinkOption {
	return func(sink *Sink) {
		if !nilcheck.Interface(logger) {
			sink.logger = logger
		}
	}
}

// WithSinkQueue overrides the consumed queue name.
func WithSinkQueue(queue string) SinkOption {
	return func(sink *Sink) {
		if queue != "" {
			sink.queue = queue
		}
	}
}

// WithSinkPrefetch overrides the prefetch window.
func WithSinkPrefetch(prefetch int) SinkOption {
	return func(sink *Sink) {
		if prefetch > 0 {
			sink.prefetch = prefetch
		}
	}
}

// NewSink creates a dead-letter sink.
func NewSink(provider rabbitmq.ConsumeChannelProvider, store Store, ids IDSource, opts ...SinkOption) (*Sink, error) {
	if provider == nil {
		return nil, ErrProviderRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(ids) {
		return nil, ErrIDSourceRequired
	}

	sink := &Sink{
		queue:    rabbitmq.DefaultDLQName,
		provider: provider,
		store:    store,
		ids:      ids,
		logger:   log.NewNop(),
		prefetch: DefaultPrefetch,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}

	return sink, nil
}

// Run drains the dead-letter queue until Stop is called.
func (sink *Sink) Run(_ *relay.Launcher) error {
	return sink.RunContext(context.Background())
}

// RunContext drains the dead-letter queue until Stop is called or ctx is
// cancelled.
func (sink *Sink) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if !sink.registerRun(cancel) {
		cancel()

		return ErrSinkRunning
	}

	defer sink.clearRun()

	defer libruntime.RecoverAndLog(loopCtx, sink.logger, "deadletter", "sink_loop")

	for attempt := 0; ; attempt++ {
		select {
		case <-sink.stop:
			return nil
		case <-loopCtx.Done():
			return nil
		default:
		}

		deliveries, err := sink.openStream(loopCtx)
		if err != nil {
			sink.logger.Log(loopCtx, log.LevelWarn, "failed to open dead-letter stream",
				log.String("queue", sink.queue),
				log.Err(err),
			)

			if sleepErr := backoff.SleepWithContext(loopCtx, backoff.ExponentialWithJitter(consumeRetryBackoff, attempt)); sleepErr != nil {
				return nil
			}

			continue
		}

		attempt = 0

		if done := sink.drain(loopCtx, deliveries); done {
			return nil
		}
	}
}

// Stop signals the sink loop to stop.
func (sink *Sink) Stop() {
	sink.stopOnce.Do(func() {
		sink.runStateMu.Lock()
		cancel := sink.cancelFunc
		sink.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(sink.stop)
	})
}

// Shutdown stops the sink loop.
func (sink *Sink) Shutdown(_ context.Context) error {
	sink.Stop()

	return nil
}

func (sink *Sink) openStream(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel, err := sink.provider(ctx)
	if err != nil {
		return nil, err
	}

	if err := channel.Qos(sink.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := channel.Consume(sink.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", sink.queue, err)
	}

	return deliveries, nil
}

func (sink *Sink) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-sink.stop:
			return true
		case <-ctx.Done():
			return true
		case delivery, ok := <-deliveries:
			if !ok {
				sink.logger.Log(ctx, log.LevelWarn, "dead-letter stream closed; reconnecting",
					log.String("queue", sink.queue),
				)

				return false
			}

			sink.handleDelivery(ctx, delivery)
		}
	}
}

func (sink *Sink) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	record := sink.recordFrom(delivery)

	if err := sink.store.Save(ctx, record); err != nil {
		// The delivery stays in the queue until the store recovers. Losing
		// a dead letter would be losing the event for good.
		sink.logger.Log(ctx, log.LevelError, "failed to persist dead-letter record; requeueing",
			log.Uint64("event_id", record.EventID),
			log.String("event_type", record.EventType),
			log.Err(err),
		)

		if nackErr := delivery.Nack(false, true); nackErr != nil {
			sink.logger.Log(ctx, log.LevelError, "failed to requeue dead letter", log.Err(nackErr))
		}

		return
	}

	sink.logger.Log(ctx, log.LevelInfo, "dead-letter record persisted",
		log.Uint64("event_id", record.EventID),
		log.String("event_type", record.EventType),
		log.String("failure_source", record.FailureSource),
	)

	if err := delivery.Ack(false); err != nil {
		sink.logger.Log(ctx, log.LevelWarn, "failed to ack dead letter", log.Err(err))
	}
}

// recordFrom assembles a record from a parked delivery. The body is
// parsed best-effort: an undecodable body still produces a record, with a
// minted id and the routing metadata that is available.
func (sink *Sink) recordFrom(delivery amqp.Delivery) *Record {
	record := &Record{
		EventType:     originalTopic(delivery),
		RetryCount:    headerInt(delivery.Headers, rabbitmq.HeaderRetryCount),
		FailureSource: headerString(delivery.Headers, rabbitmq.HeaderFailureSource, rabbitmq.FailureSourceHandlerFailure),
		LastError:     truncated(headerString(delivery.Headers, rabbitmq.HeaderLastError, "")),
		Payload:       delivery.Body,
		InsertedAt:    time.Now().UTC(),
	}

	if envelope, err := outbox.DecodeEnvelope(delivery.Body); err == nil {
		record.EventID = envelope.EventID
		record.EventType = envelope.Type

		return record
	}

	id, err := sink.ids.NextID()
	if err != nil {
		// The record must still be written; fall back to a timestamp so
		// the row is at least unique per nanosecond.
		id = uint64(time.Now().UnixNano())

		sink.logger.Log(context.Background(), log.LevelWarn, "failed to mint dead-letter record id", log.Err(err))
	}

	record.EventID = id

	return record
}

func originalTopic(delivery amqp.Delivery) string {
	if topic := headerString(delivery.Headers, rabbitmq.HeaderOriginalTopic, ""); topic != "" {
		return topic
	}

	return delivery.RoutingKey
}

func headerString(headers amqp.Table, key, fallback string) string {
	if value, ok := headers[key].(string); ok && value != "" {
		return value
	}

	return fallback
}

func headerInt(headers amqp.Table, key string) int {
	switch value := headers[key].(type) {
	case int32:
		return int(value)
	case int64:
		return int(value)
	case int:
		return value
	default:
		return 0
	}
}

func (sink *Sink) registerRun(cancel context.CancelFunc) bool {
	sink.runStateMu.Lock()
	defer sink.runStateMu.Unlock()

	if sink.running {
		return false
	}

	sink.running = true
	sink.cancelFunc = cancel

	return true
}

func (sink *Sink) clearRun() {
	sink.runStateMu.Lock()
	defer sink.runStateMu.Unlock()

	sink.running = false
	sink.cancelFunc = nil
}
