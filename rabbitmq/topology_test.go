//go:build unit

package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type declaredExchange struct {
	name string
	kind string
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type declaredBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeTopologyChannel struct {
	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []declaredBinding
}

func (c *fakeTopologyChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.exchanges = append(c.exchanges, declaredExchange{name: name, kind: kind})

	return nil
}

func (c *fakeTopologyChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.queues = append(c.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (c *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.bindings = append(c.bindings, declaredBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func TestDeclareRequiresChannel(t *testing.T) {
	t.Parallel()

	err := DefaultTopology().Declare(nil)
	require.ErrorIs(t, err, ErrChannelRequired)
}

func TestDeclareSetsUpEventAndDeadLetterTopology(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}

	require.NoError(t, Topology{}.Declare(ch))

	require.Equal(t, []declaredExchange{
		{name: DefaultEventExchange, kind: "topic"},
		{name: DefaultDLXExchange, kind: "topic"},
	}, ch.exchanges)

	require.Len(t, ch.queues, 1)
	require.Equal(t, DefaultDLQName, ch.queues[0].name)
	require.Nil(t, ch.queues[0].args)

	require.Equal(t, []declaredBinding{
		{queue: DefaultDLQName, key: "#", exchange: DefaultDLXExchange},
	}, ch.bindings)
}

func TestDeclareAppliesDLQLimits(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}
	topology := DefaultTopology()
	topology.DLQMessageTTL = 5 * time.Second
	topology.DLQMaxLength = 10000

	require.NoError(t, topology.Declare(ch))

	args := ch.queues[0].args
	require.Equal(t, int64(5000), args["x-message-ttl"])
	require.Equal(t, int64(10000), args["x-max-length"])
}

func TestDeclareConsumerQueueBindsRoutingKeysAndDLX(t *testing.T) {
	t.Parallel()

	ch := &fakeTopologyChannel{}

	require.NoError(t, DefaultTopology().DeclareConsumerQueue(ch, "search.indexer", "order.created", "order.cancelled"))

	require.Len(t, ch.queues, 1)
	require.Equal(t, "search.indexer", ch.queues[0].name)
	require.Equal(t, DefaultDLXExchange, ch.queues[0].args["x-dead-letter-exchange"])

	require.Equal(t, []declaredBinding{
		{queue: "search.indexer", key: "order.created", exchange: DefaultEventExchange},
		{queue: "search.indexer", key: "order.cancelled", exchange: DefaultEventExchange},
	}, ch.bindings)
}
