// Package rabbitmq provides the broker transport for event delivery.
//
// It covers four concerns: the AMQP connection with reconnect
// rate-limiting, a confirm-mode publisher that only reports success after
// the broker acks, topology declaration for the event exchange and its
// dead-letter pair, and a consuming wrapper that retries handler failures
// before routing the message to the dead-letter exchange.
package rabbitmq
