package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
)

const (
	// DefaultEventExchange is the topic exchange events are published to,
	// with the event type as routing key.
	DefaultEventExchange = "events"

	// DefaultDLXExchange is the dead-letter exchange failed messages are
	// republished to.
	DefaultDLXExchange = "events.dlx"

	// DefaultDLQName is the queue bound to the dead-letter exchange.
	DefaultDLQName = "events.dlq"

	exchangeTypeTopic = "topic"
	dlqBindingKey     = "#"
)

// ErrChannelRequired is returned when topology declaration is attempted
// without a channel.
var ErrChannelRequired = errors.New("rabbitmq: channel is required")

// TopologyChannel is the subset of channel operations topology
// declaration needs.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges and queues of one event domain.
type Topology struct {
	EventExchange string
	DLXExchange   string
	DLQName       string

	// DLQMessageTTL expires parked messages after the given duration.
	// Zero keeps them until consumed.
	DLQMessageTTL time.Duration

	// DLQMaxLength caps the dead-letter queue depth. Zero is unbounded.
	DLQMaxLength int64
}

// DefaultTopology returns the standard event topology names.
func DefaultTopology() Topology {
	return Topology{
		EventExchange: DefaultEventExchange,
		DLXExchange:   DefaultDLXExchange,
		DLQName:       DefaultDLQName,
	}
}

func (t *Topology) normalize() {
	defaults := DefaultTopology()

	if t.EventExchange == "" {
		t.EventExchange = defaults.EventExchange
	}

	if t.DLXExchange == "" {
		t.DLXExchange = defaults.DLXExchange
	}

	if t.DLQName == "" {
		t.DLQName = defaults.DLQName
	}
}

// Declare sets up the event exchange, the dead-letter exchange and the
// dead-letter queue. Declarations are idempotent on the broker side.
func (t Topology) Declare(ch TopologyChannel) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	t.normalize()

	if err := ch.ExchangeDeclare(t.EventExchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare event exchange %s: %w", t.EventExchange, err)
	}

	if err := ch.ExchangeDeclare(t.DLXExchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange %s: %w", t.DLXExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DLQName, true, false, false, false, t.dlqArgs()); err != nil {
		return fmt.Errorf("declare dlq %s: %w", t.DLQName, err)
	}

	if err := ch.QueueBind(t.DLQName, dlqBindingKey, t.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s to %s: %w", t.DLQName, t.DLXExchange, err)
	}

	return nil
}

// DeclareConsumerQueue declares a durable queue bound to the event
// exchange for the given routing keys, dead-lettering rejects to the DLX.
func (t Topology) DeclareConsumerQueue(ch TopologyChannel, queue string, routingKeys ...string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare consumer queue: %w", ErrChannelRequired)
	}

	t.normalize()

	args := amqp.Table{"x-dead-letter-exchange": t.DLXExchange}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(queue, key, t.EventExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s with key %s: %w", queue, t.EventExchange, key, err)
		}
	}

	return nil
}

func (t Topology) dlqArgs() amqp.Table {
	args := make(amqp.Table)

	if t.DLQMessageTTL > 0 {
		args["x-message-ttl"] = t.DLQMessageTTL.Milliseconds()
	}

	if t.DLQMaxLength > 0 {
		args["x-max-length"] = t.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}
