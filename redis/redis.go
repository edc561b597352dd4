// Package redis wraps the go-redis client with the connection, logging,
// and health-check conventions used across the module. The coordination
// membership store is its only in-module consumer.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrNotConnected is returned when the client is used before Connect.
	ErrNotConnected = errors.New("redis connection not established")
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	defaultPoolSize     = 10
)

// Config defines Redis address, auth, and connection settings.
type Config struct {
	Address      string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

func (cfg *Config) normalize() error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	return nil
}

// Connection manages a single go-redis client.
type Connection struct {
	cfg    Config
	logger log.Logger

	mu     sync.RWMutex
	client *redis.Client
}

// NewConnection creates an unconnected Connection. A nil logger falls back
// to the no-op logger.
func NewConnection(cfg Config, logger log.Logger) (*Connection, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Connection{cfg: cfg, logger: logger}, nil
}

// Connect establishes the client and verifies it with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         conn.cfg.Address,
		Password:     conn.cfg.Password,
		DB:           conn.cfg.DB,
		DialTimeout:  conn.cfg.DialTimeout,
		ReadTimeout:  conn.cfg.ReadTimeout,
		WriteTimeout: conn.cfg.WriteTimeout,
		PoolSize:     conn.cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			conn.logger.Log(ctx, log.LevelWarn, "failed to close redis client after ping failure", log.Err(closeErr))
		}

		return fmt.Errorf("redis ping: %w", err)
	}

	conn.client = client
	conn.logger.Log(ctx, log.LevelInfo, "redis connected", log.String("address", conn.cfg.Address))

	return nil
}

// Client returns the connected go-redis client.
func (conn *Connection) Client() (*redis.Client, error) {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	if conn.client == nil {
		return nil, ErrNotConnected
	}

	return conn.client, nil
}

// HealthCheck pings the server.
func (conn *Connection) HealthCheck(ctx context.Context) error {
	client, err := conn.Client()
	if err != nil {
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Close releases the client.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.client == nil {
		return nil
	}

	err := conn.client.Close()
	conn.client = nil

	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}

	return nil
}
