package deadletter

import (
	"context"
	"time"
)

// Store persists dead-letter records. Implementations live alongside the
// database driver, see the postgres subpackage.
type Store interface {
	// Save inserts one record. Saving the same event id twice must not
	// fail; redeliveries of a parked message are expected.
	Save(ctx context.Context, record *Record) error

	// PurgeOlderThan deletes records inserted before the cutoff and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
