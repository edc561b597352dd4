// Package postgres implements the dead-letter store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/deadletter"
)

// ErrDatabaseRequired is returned when the store is created without a
// database handle.
var ErrDatabaseRequired = errors.New("deadletter postgres: database handle is required")

// Schema is the table definition this store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letter_events (
	event_id       BIGINT PRIMARY KEY,
	event_type     TEXT NOT NULL,
	retry_count    INT NOT NULL,
	failure_source TEXT NOT NULL,
	last_error     TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	inserted_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letter_events_inserted_at
	ON dead_letter_events (inserted_at);
`

// Store persists dead-letter records in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ deadletter.Store = (*Store)(nil)

// NewStore creates a PostgreSQL-backed dead-letter store.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	return &Store{db: db}, nil
}

// Save upserts one record. A redelivered dead letter overwrites its
// earlier row instead of failing on the primary key.
func (s *Store) Save(ctx context.Context, record *deadletter.Record) error {
	if record == nil {
		return errors.New("dead-letter record is required")
	}

	const query = `
		INSERT INTO dead_letter_events
			(event_id, event_type, retry_count, failure_source, last_error, payload, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO UPDATE SET
			retry_count = EXCLUDED.retry_count,
			failure_source = EXCLUDED.failure_source,
			last_error = EXCLUDED.last_error,
			inserted_at = EXCLUDED.inserted_at
	`

	_, err := s.db.ExecContext(ctx, query,
		int64(record.EventID),
		record.EventType,
		record.RetryCount,
		record.FailureSource,
		record.LastError,
		record.Payload,
		record.InsertedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert dead-letter record %d: %w", record.EventID, err)
	}

	return nil
}

// PurgeOlderThan deletes records inserted before the cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letter_events WHERE inserted_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dead-letter records: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged dead-letter records: %w", err)
	}

	return removed, nil
}
