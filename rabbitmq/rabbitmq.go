package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dltmdrb1996/jobstat-api-sub007/backoff"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

var (
	// ErrURIRequired is returned when a connection is created without an AMQP URI.
	ErrURIRequired = errors.New("rabbitmq: connection URI is required")
	// ErrNotConnected is returned when an operation needs a channel but the
	// connection was never established.
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrReconnectRateLimited is returned when a reconnect attempt is
	// rejected because the backoff window since the last failure has not
	// elapsed yet.
	ErrReconnectRateLimited = errors.New("rabbitmq: reconnect rate-limited")
)

// reconnectBackoffCap bounds the delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Connection owns one AMQP connection and a channel on it, reopening both
// on demand. Reconnects after a failure are rate-limited with exponential
// backoff so a dead broker is not hammered by every caller at once.
type Connection struct {
	uri     string
	logger  log.Logger
	dialer  func(string) (*amqp.Connection, error)
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	reconnectAttempts    int
	lastReconnectAttempt time.Time
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the connection logger.
func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(connection *Connection) {
		if !nilcheck.Interface(logger) {
			connection.logger = logger
		}
	}
}

// withDialer replaces the AMQP dialer. Used by tests.
func withDialer(dialer func(string) (*amqp.Connection, error)) ConnectionOption {
	return func(connection *Connection) {
		if dialer != nil {
			connection.dialer = dialer
		}
	}
}

// NewConnection creates a connection handle for the given AMQP URI. No
// network activity happens until Connect or Channel is called.
func NewConnection(uri string, opts ...ConnectionOption) (*Connection, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, ErrURIRequired
	}

	connection := &Connection{
		uri:    uri,
		logger: log.NewNop(),
		dialer: amqp.Dial,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(connection)
		}
	}

	return connection, nil
}

// Connect dials the broker and opens the shared channel.
func (connection *Connection) Connect(ctx context.Context) error {
	_, err := connection.Channel(ctx)

	return err
}

// Channel returns an open channel, dialing or reopening as needed. A
// reconnect attempt inside the backoff window after a failure returns
// ErrReconnectRateLimited without touching the network.
func (connection *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.channel != nil && !connection.channel.IsClosed() {
		return connection.channel, nil
	}

	if connection.conn == nil || connection.conn.IsClosed() {
		if err := connection.dialLocked(ctx); err != nil {
			return nil, err
		}
	}

	channel, err := connection.conn.Channel()
	if err != nil {
		connection.recordFailureLocked()

		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	connection.channel = channel
	connection.reconnectAttempts = 0

	return channel, nil
}

// NewChannel opens a dedicated channel on the shared connection. Callers
// that need exclusive channel state, confirm-mode publishers in
// particular, use this instead of Channel.
func (connection *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	// Ensure the connection itself is alive first.
	if _, err := connection.Channel(ctx); err != nil {
		return nil, err
	}

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.conn == nil {
		return nil, ErrNotConnected
	}

	channel, err := connection.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return channel, nil
}

// Close shuts the channel and connection down.
func (connection *Connection) Close() error {
	connection.mu.Lock()
	channel := connection.channel
	conn := connection.conn
	connection.channel = nil
	connection.conn = nil
	connection.mu.Unlock()

	var closeErr error

	if channel != nil && !channel.IsClosed() {
		if err := channel.Close(); err != nil {
			closeErr = fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close rabbitmq connection: %w", err))
		}
	}

	return closeErr
}

func (connection *Connection) dialLocked(ctx context.Context) error {
	if connection.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, connection.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(connection.lastReconnectAttempt); elapsed < delay {
			return fmt.Errorf("%w: next attempt in %s", ErrReconnectRateLimited, delay-elapsed)
		}
	}

	connection.lastReconnectAttempt = time.Now()

	conn, err := connection.dialer(connection.uri)
	if err != nil {
		connection.recordFailureLocked()

		connection.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPError(err, connection.uri)),
		)

		return fmt.Errorf("connect to rabbitmq: %s", sanitizeAMQPError(err, connection.uri))
	}

	connection.conn = conn
	connection.reconnectAttempts = 0

	connection.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

func (connection *Connection) recordFailureLocked() {
	connection.reconnectAttempts++
}

// BuildURI constructs an AMQP connection URI, URL-encoding credentials
// and the vhost.
func BuildURI(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol, Host: host}
	if port != "" {
		u.Host = host + ":" + port
	}

	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if vhost != "" {
		u.Path = "/" + vhost
		u.RawPath = "/" + url.PathEscape(vhost)
	}

	return u.String()
}

// sanitizeAMQPError redacts credentials from error text before it reaches
// logs or wrapped errors.
func sanitizeAMQPError(err error, uri string) string {
	if err == nil {
		return ""
	}

	message := err.Error()

	parsed, parseErr := url.Parse(uri)
	if parseErr != nil || parsed.User == nil {
		return message
	}

	message = strings.ReplaceAll(message, uri, parsed.Redacted())
	message = strings.ReplaceAll(message, parsed.String(), parsed.Redacted())

	if pass, ok := parsed.User.Password(); ok && pass != "" {
		message = strings.ReplaceAll(message, pass, "xxxxx")
	}

	return message
}
