// Package postgres manages the database/sql connection used by the outbox
// and dead-letter stores, backed by the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrConnectionStringRequired is returned when no DSN is configured.
	ErrConnectionStringRequired = errors.New("postgres connection string is required")
	// ErrNotConnected is returned when the database is used before Connect.
	ErrNotConnected = errors.New("postgres connection not established")

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Connection manages one pooled database handle.
type Connection struct {
	ConnectionString string
	Component        string
	Logger           log.Logger
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration

	mu        sync.RWMutex
	db        *sql.DB
	connected bool
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConns <= 0 {
		conn.MaxOpenConns = defaultMaxOpenConns
	}

	if conn.MaxIdleConns <= 0 {
		conn.MaxIdleConns = defaultMaxIdleConns
	}

	if conn.ConnMaxLifetime <= 0 {
		conn.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if conn.ConnMaxIdleTime <= 0 {
		conn.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
}

// Connect opens the pool and verifies it with a ping.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.connected {
		return nil
	}

	conn.initDefaults()

	if strings.TrimSpace(conn.ConnectionString) == "" {
		return ErrConnectionStringRequired
	}

	db, err := sql.Open("pgx", conn.ConnectionString)
	if err != nil {
		return fmt.Errorf("open postgres: %s", sanitizeSensitiveError(err))
	}

	db.SetMaxOpenConns(conn.MaxOpenConns)
	db.SetMaxIdleConns(conn.MaxIdleConns)
	db.SetConnMaxLifetime(conn.ConnMaxLifetime)
	db.SetConnMaxIdleTime(conn.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close postgres pool after ping failure", log.Err(closeErr))
		}

		return fmt.Errorf("ping postgres: %s", sanitizeSensitiveError(err))
	}

	conn.db = db
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "postgres connected", log.String("component", conn.Component))

	return nil
}

// DB returns the connected pool.
func (conn *Connection) DB() (*sql.DB, error) {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	if !conn.connected || conn.db == nil {
		return nil, ErrNotConnected
	}

	return conn.db, nil
}

// HealthCheck pings the database.
func (conn *Connection) HealthCheck(ctx context.Context) error {
	db, err := conn.DB()
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %s", sanitizeSensitiveError(err))
	}

	return nil
}

// Close releases the pool.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.db == nil {
		return nil
	}

	err := conn.db.Close()
	conn.db = nil
	conn.connected = false

	if err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}

	return nil
}

// sanitizeSensitiveError strips credentials that drivers sometimes echo
// back inside connection errors.
func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	message := err.Error()
	message = connectionStringCredentialsPattern.ReplaceAllString(message, "://REDACTED@")
	message = connectionStringPasswordPattern.ReplaceAllString(message, "${1}REDACTED")

	return message
}
