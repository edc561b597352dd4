package outbox

import "time"

const (
	// DefaultSweepInterval is the period between recovery sweeps.
	DefaultSweepInterval = 10 * time.Second

	// DefaultSweepLag is how old a row must be before a sweep considers
	// it stuck, leaving the immediate publish path room to finish.
	DefaultSweepLag = 10 * time.Second

	// DefaultBatchSize bounds how many rows one sweep loads.
	DefaultBatchSize = 100

	// DefaultPublishTimeout bounds a single publish attempt.
	DefaultPublishTimeout = 1 * time.Second
)

// RelayConfig tunes the relay sweep loop. The zero value is usable; every
// field falls back to its default.
type RelayConfig struct {
	SweepInterval  time.Duration
	SweepLag       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

// DefaultRelayConfig returns the production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SweepInterval:  DefaultSweepInterval,
		SweepLag:       DefaultSweepLag,
		BatchSize:      DefaultBatchSize,
		PublishTimeout: DefaultPublishTimeout,
	}
}

func (c *RelayConfig) normalize() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}

	if c.SweepLag <= 0 {
		c.SweepLag = DefaultSweepLag
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
}
