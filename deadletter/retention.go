package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/cron"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

// DefaultRetention is how long dead-letter records are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ErrRetentionInvalid is returned when the retention window is not positive.
var ErrRetentionInvalid = errors.New("deadletter: retention must be positive")

// NewRetentionJob builds a scheduled job that purges records older than
// the retention window. Run it under the application launcher alongside
// the sink.
func NewRetentionJob(store Store, schedule *cron.Schedule, retention time.Duration, logger log.Logger) (*cron.Job, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if retention <= 0 {
		return nil, ErrRetentionInvalid
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return cron.NewJob("deadletter_retention", schedule, purgeFunc(store, retention, logger), cron.WithJobLogger(logger))
}

func purgeFunc(store Store, retention time.Duration, logger log.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-retention)

		removed, err := store.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}

		if removed > 0 {
			logger.Log(ctx, log.LevelInfo, "purged expired dead-letter records",
				log.Int("removed", int(removed)),
			)
		}

		return nil
	}
}
