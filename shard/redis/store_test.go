//go:build unit

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, "article-service")
	require.NoError(t, err)

	return store, server
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil, "app")
	require.ErrorIs(t, err, ErrClientRequired)

	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { _ = client.Close() })

	_, err = NewStore(client, "  ")
	require.ErrorIs(t, err, ErrAppNameRequired)

	store, err := NewStore(client, "article-service")
	require.NoError(t, err)
	require.Equal(t, "coordinator:article-service", store.Key())
}

func TestHeartbeatRegistersAndPrunes(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	staleBefore := now.Add(-9 * time.Second)

	// A member whose last heartbeat predates the liveness window is pruned
	// by the next heartbeat write, not by a separate reaper.
	require.NoError(t, store.Heartbeat(ctx, "stale-instance", now.Add(-time.Minute), now.Add(-2*time.Minute)))
	require.NoError(t, store.Heartbeat(ctx, "live-instance", now, staleBefore))

	members, err := store.LiveMembers(ctx, staleBefore)
	require.NoError(t, err)
	require.Equal(t, []string{"live-instance"}, members)
}

func TestLiveMembersBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	boundary := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Heartbeat(ctx, "edge-instance", boundary, boundary.Add(-time.Minute)))

	// Live iff score >= staleBefore: a member exactly on the boundary stays.
	members, err := store.LiveMembers(ctx, boundary)
	require.NoError(t, err)
	require.Contains(t, members, "edge-instance")

	// Prune with staleBefore just past the score removes it.
	require.NoError(t, store.Heartbeat(ctx, "other", boundary.Add(time.Second), boundary.Add(time.Millisecond)))

	members, err = store.LiveMembers(ctx, boundary)
	require.NoError(t, err)
	require.NotContains(t, members, "edge-instance")
}

func TestDeregister(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Heartbeat(ctx, "instance-a", now, now.Add(-time.Minute)))
	require.NoError(t, store.Deregister(ctx, "instance-a"))

	members, err := store.LiveMembers(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, members)
}
