//go:build unit

package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRelayConfigNormalizeFillsDefaults(t *testing.T) {
	t.Parallel()

	var cfg RelayConfig

	cfg.normalize()
	require.Equal(t, DefaultRelayConfig(), cfg)
}

func TestRelayConfigNormalizeKeepsOverrides(t *testing.T) {
	t.Parallel()

	cfg := RelayConfig{
		SweepInterval:  time.Second,
		SweepLag:       2 * time.Second,
		BatchSize:      10,
		PublishTimeout: 500 * time.Millisecond,
	}

	want := cfg
	cfg.normalize()
	require.Equal(t, want, cfg)
}
