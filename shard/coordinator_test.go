//go:build unit

package shard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	members    []string
	membersErr error

	heartbeats   int
	deregistered []string
}

func (store *fakeStore) Heartbeat(_ context.Context, _ string, _, _ time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.heartbeats++

	return nil
}

func (store *fakeStore) Deregister(_ context.Context, instanceID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.deregistered = append(store.deregistered, instanceID)

	return nil
}

func (store *fakeStore) LiveMembers(_ context.Context, _ time.Time) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	return append([]string(nil), store.members...), store.membersErr
}

func (store *fakeStore) heartbeatCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.heartbeats
}

func TestNewCoordinatorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewCoordinator(" ", 4, &fakeStore{})
	require.ErrorIs(t, err, ErrSelfIDRequired)

	_, err = NewCoordinator("a", 0, &fakeStore{})
	require.ErrorIs(t, err, ErrShardCountRequired)

	_, err = NewCoordinator("a", 4, nil)
	require.ErrorIs(t, err, ErrStoreRequired)
}

func TestAssignmentsAreDisjointAndCoverAllShards(t *testing.T) {
	t.Parallel()

	const totalShards = 16

	members := []string{"instance-b", "instance-a", "instance-c"}
	store := &fakeStore{members: members}

	covered := make(map[int]string)

	for _, selfID := range members {
		coordinator, err := NewCoordinator(selfID, totalShards, store)
		require.NoError(t, err)

		assignment := coordinator.Assign(context.Background())
		require.False(t, assignment.FailOpen)
		require.Equal(t, selfID, assignment.SelfID)

		for _, shardIndex := range assignment.Owned {
			owner, taken := covered[shardIndex]
			require.False(t, taken, "shard %d claimed by both %s and %s", shardIndex, owner, selfID)

			covered[shardIndex] = selfID
			require.True(t, assignment.Owns(shardIndex))
		}
	}

	require.Len(t, covered, totalShards)
}

func TestAssignIsDeterministicAcrossSnapshotOrdering(t *testing.T) {
	t.Parallel()

	first := &fakeStore{members: []string{"b", "a", "c"}}
	second := &fakeStore{members: []string{"c", "b", "a"}}

	coordinatorOne, err := NewCoordinator("b", 8, first)
	require.NoError(t, err)

	coordinatorTwo, err := NewCoordinator("b", 8, second)
	require.NoError(t, err)

	require.Equal(t,
		coordinatorOne.Assign(context.Background()).Owned,
		coordinatorTwo.Assign(context.Background()).Owned,
	)
}

func TestAssignFailsOpenOnEmptyMembership(t *testing.T) {
	t.Parallel()

	coordinator, err := NewCoordinator("self", 4, &fakeStore{})
	require.NoError(t, err)

	assignment := coordinator.Assign(context.Background())
	require.True(t, assignment.FailOpen)
	require.Equal(t, []int{0, 1, 2, 3}, assignment.Owned)
}

func TestAssignFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{membersErr: errors.New("connection refused")}

	coordinator, err := NewCoordinator("self", 3, store)
	require.NoError(t, err)

	assignment := coordinator.Assign(context.Background())
	require.True(t, assignment.FailOpen)
	require.Equal(t, []int{0, 1, 2}, assignment.Owned)
}

func TestAssignIgnoresBlankAndDuplicateMembers(t *testing.T) {
	t.Parallel()

	store := &fakeStore{members: []string{"self", "", "self", "  "}}

	coordinator, err := NewCoordinator("self", 2, store)
	require.NoError(t, err)

	assignment := coordinator.Assign(context.Background())
	require.False(t, assignment.FailOpen)
	require.Equal(t, []int{0, 1}, assignment.Owned)
}

func TestHeartbeaterLifecycle(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}

	heartbeater, err := NewHeartbeater("self", store,
		WithHeartbeatConfig(HeartbeatConfig{Interval: 10 * time.Millisecond, FailureThreshold: 3}),
	)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- heartbeater.RunContext(context.Background()) }()

	require.Eventually(t, func() bool { return store.heartbeatCount() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, heartbeater.Shutdown(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []string{"self"}, store.deregistered)
}

func TestHeartbeaterRejectsDoubleRun(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}

	heartbeater, err := NewHeartbeater("self", store,
		WithHeartbeatConfig(HeartbeatConfig{Interval: 50 * time.Millisecond, FailureThreshold: 3}),
	)
	require.NoError(t, err)

	go func() { _ = heartbeater.RunContext(context.Background()) }()

	require.Eventually(t, func() bool { return store.heartbeatCount() >= 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, heartbeater.RunContext(context.Background()), ErrHeartbeaterRunning)

	heartbeater.Stop()
}
