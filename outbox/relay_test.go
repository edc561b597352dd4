//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dltmdrb1996/jobstat-api-sub007/shard"
)

type fakeRepository struct {
	mu        sync.Mutex
	rows      map[uint64]*Event
	createErr error
	listErr   error
	deleteErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rows: make(map[uint64]*Event)}
}

func (r *fakeRepository) Create(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}

	r.rows[event.ID] = event

	return nil
}

func (r *fakeRepository) CreateWithTx(ctx context.Context, _ Tx, event *Event) error {
	return r.Create(ctx, event)
}

func (r *fakeRepository) Delete(_ context.Context, eventID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteErr != nil {
		return r.deleteErr
	}

	delete(r.rows, eventID)

	return nil
}

func (r *fakeRepository) ListUnpublished(_ context.Context, olderThan time.Time, shards []int, shardCount, limit int) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listErr != nil {
		return nil, r.listErr
	}

	owned := make(map[int]struct{}, len(shards))
	for _, s := range shards {
		owned[s] = struct{}{}
	}

	var events []*Event

	for _, event := range r.rows {
		if !event.CreatedAt.Before(olderThan) {
			continue
		}

		if _, ok := owned[int(event.ShardKey%uint64(shardCount))]; !ok {
			continue
		}

		events = append(events, event)

		if len(events) == limit {
			break
		}
	}

	return events, nil
}

func (r *fakeRepository) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rows)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []uint64
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}

	envelope, err := DecodeEnvelope(body)
	if err != nil {
		return err
	}

	p.published = append(p.published, envelope.EventID)

	return nil
}

func (p *fakePublisher) publishedIDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]uint64(nil), p.published...)
}

type fakeAssigner struct {
	assignment shard.Assignment
}

func (a *fakeAssigner) Assign(context.Context) shard.Assignment {
	return a.assignment
}

func allShards(total int) *fakeAssigner {
	owned := make([]int, total)
	for i := range owned {
		owned[i] = i
	}

	return &fakeAssigner{assignment: shard.Assignment{SelfID: "node-1", TotalShards: total, Owned: owned}}
}

func staleEvent(t *testing.T, id, shardKey uint64) *Event {
	t.Helper()

	event, err := NewEvent(id, "order.created", []byte(`{"orderId":"o-1"}`), shardKey)
	require.NoError(t, err)

	event.CreatedAt = time.Now().UTC().Add(-time.Minute)

	return event
}

func TestNewRelayValidation(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}
	assigner := allShards(4)

	_, err := NewRelay(nil, pub, assigner)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(repo, nil, assigner)
	require.ErrorIs(t, err, ErrPublisherRequired)

	_, err = NewRelay(repo, pub, nil)
	require.ErrorIs(t, err, ErrAssignerRequired)
}

func TestEnqueueWritesThroughRepository(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()

	relay, err := NewRelay(repo, &fakePublisher{}, allShards(4))
	require.NoError(t, err)

	require.ErrorIs(t, relay.Enqueue(context.Background(), nil, nil), ErrEventRequired)

	event := staleEvent(t, 1, 0)
	require.NoError(t, relay.Enqueue(context.Background(), nil, event))
	require.Equal(t, 1, repo.rowCount())
}

func TestSweepOncePublishesAndDeletes(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}

	relay, err := NewRelay(repo, pub, allShards(4))
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))
	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 2, 1)))

	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Scanned)
	require.Equal(t, 2, result.Published)
	require.Equal(t, 2, result.Deleted)
	require.Zero(t, result.PublishFailures)
	require.Zero(t, result.DeleteFailures)

	require.ElementsMatch(t, []uint64{1, 2}, pub.publishedIDs())
	require.Zero(t, repo.rowCount())
}

func TestSweepOnceSkipsFreshRows(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}

	relay, err := NewRelay(repo, pub, allShards(4))
	require.NoError(t, err)

	fresh := staleEvent(t, 1, 0)
	fresh.CreatedAt = time.Now().UTC()
	require.NoError(t, repo.Create(context.Background(), fresh))

	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Scanned)
	require.Empty(t, pub.publishedIDs())
	require.Equal(t, 1, repo.rowCount())
}

func TestSweepOnceFiltersByOwnedShards(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}

	// Owns only shard 0 of 4.
	assigner := &fakeAssigner{assignment: shard.Assignment{SelfID: "node-1", TotalShards: 4, Owned: []int{0}}}

	relay, err := NewRelay(repo, pub, assigner)
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))
	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 2, 1)))
	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 3, 4)))

	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Published)
	require.ElementsMatch(t, []uint64{1, 3}, pub.publishedIDs())
	require.Equal(t, 1, repo.rowCount())
}

func TestSweepOnceLeavesRowOnPublishFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{err: errors.New("broker down")}

	relay, err := NewRelay(repo, pub, allShards(4))
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))

	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.PublishFailures)
	require.Zero(t, result.Published)
	require.Equal(t, 1, repo.rowCount())
}

type blockingPublisher struct{}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()

	return ctx.Err()
}

func TestSweepOnceBoundsEachPublishWait(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()

	relay, err := NewRelay(repo, &blockingPublisher{}, allShards(4), WithRelayConfig(RelayConfig{
		PublishTimeout: 50 * time.Millisecond,
	}))
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))
	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 2, 1)))

	start := time.Now()
	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)

	// A hung broker costs at most PublishTimeout per row; the rows stay
	// for the next sweep.
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 2, result.PublishFailures)
	require.Zero(t, result.Published)
	require.Equal(t, 2, repo.rowCount())
}

func TestSweepOnceKeepsRowWhenDeleteFails(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	repo.deleteErr = errors.New("db gone")
	pub := &fakePublisher{}

	relay, err := NewRelay(repo, pub, allShards(4))
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))

	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Published)
	require.Equal(t, 1, result.DeleteFailures)
	require.Zero(t, result.Deleted)

	// Row survives, so the next sweep republishes it.
	repo.deleteErr = nil

	result, err = relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)
	require.Equal(t, []uint64{1, 1}, pub.publishedIDs())
	require.Zero(t, repo.rowCount())
}

func TestSweepOnceNoOwnedShards(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}
	assigner := &fakeAssigner{assignment: shard.Assignment{SelfID: "node-1", TotalShards: 4}}

	relay, err := NewRelay(repo, pub, assigner)
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))

	result, err := relay.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Scanned)
	require.Equal(t, 1, repo.rowCount())
}

func TestPublishAfterCommitDeletesRow(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}

	relay, err := NewRelay(repo, pub, allShards(4))
	require.NoError(t, err)

	event := staleEvent(t, 1, 0)
	require.NoError(t, repo.Create(context.Background(), event))

	relay.PublishAfterCommit(event)

	require.Eventually(t, func() bool {
		return repo.rowCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []uint64{1}, pub.publishedIDs())
}

func TestPublishAfterCommitFailureLeavesRow(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{err: errors.New("broker down")}

	relay, err := NewRelay(repo, pub, allShards(4))
	require.NoError(t, err)

	event := staleEvent(t, 1, 0)
	require.NoError(t, repo.Create(context.Background(), event))

	relay.PublishAfterCommit(event)
	require.NoError(t, relay.Shutdown(context.Background()))

	require.Equal(t, 1, repo.rowCount())
	require.Empty(t, pub.publishedIDs())
}

func TestRelayRunSweepsPeriodically(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	pub := &fakePublisher{}

	relay, err := NewRelay(repo, pub, allShards(4), WithRelayConfig(RelayConfig{
		SweepInterval: 20 * time.Millisecond,
		SweepLag:      time.Millisecond,
	}))
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), staleEvent(t, 1, 0)))

	done := make(chan error, 1)

	go func() {
		done <- relay.RunContext(context.Background())
	}()

	require.Eventually(t, func() bool {
		return repo.rowCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Shutdown(context.Background()))
	require.NoError(t, <-done)
}

func TestRelayRejectsDoubleRun(t *testing.T) {
	t.Parallel()

	relay, err := NewRelay(newFakeRepository(), &fakePublisher{}, allShards(4))
	require.NoError(t, err)

	started := make(chan struct{})

	go func() {
		close(started)

		_ = relay.RunContext(context.Background())
	}()

	<-started

	require.Eventually(t, func() bool {
		return relay.RunContext(context.Background()) == ErrRelayRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Shutdown(context.Background()))
}
