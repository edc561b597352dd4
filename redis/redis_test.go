//go:build unit

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewConnectionValidation(t *testing.T) {
	t.Parallel()

	_, err := NewConnection(Config{}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	conn, err := NewConnection(Config{Address: "localhost:6379"}, nil)
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestConnectAndHealthCheck(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)

	conn, err := NewConnection(Config{Address: server.Addr()}, nil)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = conn.Client()
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.HealthCheck(ctx))

	client, err := conn.Client()
	require.NoError(t, err)
	require.NotNil(t, client)

	// Connect is idempotent.
	require.NoError(t, conn.Connect(ctx))

	require.NoError(t, conn.Close())

	_, err = conn.Client()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectFailsOnUnreachableServer(t *testing.T) {
	t.Parallel()

	conn, err := NewConnection(Config{Address: "127.0.0.1:1"}, nil)
	require.NoError(t, err)

	require.Error(t, conn.Connect(context.Background()))
}
