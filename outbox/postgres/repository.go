// Package postgres implements the outbox repository on PostgreSQL.
//
// Rows live in the outbox_events table and exist exactly as long as their
// publish is unconfirmed: enqueue inserts inside the producing
// transaction, a confirmed publish deletes.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/outbox"
)

// ErrDatabaseRequired is returned when the repository is created without
// a database handle.
var ErrDatabaseRequired = errors.New("outbox postgres: database handle is required")

const shardKeyMask = 1<<63 - 1

// Schema is the table definition this repository expects. The composite
// index serves the sweep query: shard filter plus oldest-first ordering.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id         BIGINT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	shard_key  BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_events_sweep
	ON outbox_events (created_at, shard_key);
`

// Repository stores outbox rows in PostgreSQL.
type Repository struct {
	db *sql.DB
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL-backed outbox repository.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	return &Repository{db: db}, nil
}

const insertQuery = `
	INSERT INTO outbox_events (id, event_type, payload, shard_key, created_at)
	VALUES ($1, $2, $3, $4, $5)
`

// Create inserts the event outside any caller transaction.
func (r *Repository) Create(ctx context.Context, event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	if _, err := r.db.ExecContext(ctx, insertQuery, insertArgs(event)...); err != nil {
		return fmt.Errorf("insert outbox event %d: %w", event.ID, err)
	}

	return nil
}

// CreateWithTx inserts the event inside the caller's transaction.
func (r *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	if tx == nil {
		return r.Create(ctx, event)
	}

	if _, err := tx.ExecContext(ctx, insertQuery, insertArgs(event)...); err != nil {
		return fmt.Errorf("insert outbox event %d: %w", event.ID, err)
	}

	return nil
}

// Delete removes a confirmed row. A missing row means a concurrent sweep
// already confirmed the same event, which is not an error.
func (r *Repository) Delete(ctx context.Context, eventID uint64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, int64(eventID)); err != nil {
		return fmt.Errorf("delete outbox event %d: %w", eventID, err)
	}

	return nil
}

// ListUnpublished returns rows older than the cutoff on the owned shards,
// oldest first. The shard of a row is its shard key modulo the shard
// count, computed in SQL so unowned rows never leave the database.
func (r *Repository) ListUnpublished(ctx context.Context, olderThan time.Time, shards []int, shardCount, limit int) ([]*outbox.Event, error) {
	if len(shards) == 0 || shardCount <= 0 || limit <= 0 {
		return nil, nil
	}

	owned := make([]int32, len(shards))
	for i, s := range shards {
		owned[i] = int32(s)
	}

	const query = `
		SELECT id, event_type, payload, shard_key, created_at
		FROM outbox_events
		WHERE created_at < $1
		  AND MOD(shard_key, $2::BIGINT) = ANY($3)
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.QueryContext(ctx, query, olderThan.UTC(), int64(shardCount), owned, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list unpublished outbox events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		var (
			id       int64
			shardKey int64
			event    outbox.Event
		)

		if err := rows.Scan(&id, &event.EventType, &event.Payload, &shardKey, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}

		event.ID = uint64(id)
		event.ShardKey = uint64(shardKey)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	return events, nil
}

func insertArgs(event *outbox.Event) []any {
	return []any{
		int64(event.ID),
		event.EventType,
		event.Payload,
		int64(event.ShardKey & shardKeyMask),
		event.CreatedAt.UTC(),
	}
}
