package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Tx is the database transaction events are enqueued under. The caller
// owns the transaction lifecycle; the repository never commits or rolls
// back on its own.
type Tx = *sql.Tx

// Repository persists outbox rows. Implementations live alongside the
// database driver, see the postgres subpackage.
type Repository interface {
	// Create inserts the event outside any caller transaction.
	Create(ctx context.Context, event *Event) error

	// CreateWithTx inserts the event inside the caller's transaction so
	// the row commits or rolls back atomically with the domain change.
	CreateWithTx(ctx context.Context, tx Tx, event *Event) error

	// Delete removes a row after its publish was confirmed. Deleting a
	// missing row is not an error.
	Delete(ctx context.Context, eventID uint64) error

	// ListUnpublished returns rows older than the cutoff whose shard key
	// maps onto one of the owned shards, oldest first, at most limit rows.
	ListUnpublished(ctx context.Context, olderThan time.Time, shards []int, shardCount, limit int) ([]*Event, error)
}
