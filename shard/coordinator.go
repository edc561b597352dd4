package shard

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

var (
	// ErrSelfIDRequired is returned when the local instance id is empty.
	ErrSelfIDRequired = errors.New("shard: self instance id is required")
	// ErrShardCountRequired is returned when the total shard count is not positive.
	ErrShardCountRequired = errors.New("shard: total shard count must be positive")
	// ErrStoreRequired is returned when no membership store is provided.
	ErrStoreRequired = errors.New("shard: membership store is required")
)

// MembershipStore is the shared sorted membership set scored by heartbeat
// time.
type MembershipStore interface {
	// Heartbeat records the instance as alive at now and prunes entries
	// whose score is older than staleBefore, in one pipelined batch.
	Heartbeat(ctx context.Context, instanceID string, now, staleBefore time.Time) error

	// Deregister removes the instance immediately. Called on graceful
	// shutdown.
	Deregister(ctx context.Context, instanceID string) error

	// LiveMembers returns the ids of instances whose heartbeat score is at
	// least staleBefore.
	LiveMembers(ctx context.Context, staleBefore time.Time) ([]string, error)
}

// Assignment is the shard ownership derived from one membership snapshot.
// It is recomputed on demand and never cached.
type Assignment struct {
	SelfID      string
	TotalShards int
	Owned       []int

	// FailOpen marks an assignment produced without a usable membership
	// snapshot, where the instance claims every shard.
	FailOpen bool

	ownedSet map[int]struct{}
}

// Owns reports whether the instance owns the given shard index.
func (assignment Assignment) Owns(shardIndex int) bool {
	_, ok := assignment.ownedSet[shardIndex]

	return ok
}

// Coordinator computes shard ownership for one process instance.
type Coordinator struct {
	selfID           string
	totalShards      int
	store            MembershipStore
	logger           log.Logger
	interval         time.Duration
	failureThreshold int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger log.Logger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if !nilcheck.Interface(logger) {
			coordinator.logger = logger
		}
	}
}

// WithLiveness overrides the heartbeat interval and miss threshold used to
// decide which members count as live. Must match the heartbeater settings.
func WithLiveness(interval time.Duration, failureThreshold int) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if interval > 0 {
			coordinator.interval = interval
		}

		if failureThreshold > 0 {
			coordinator.failureThreshold = failureThreshold
		}
	}
}

// NewCoordinator creates a coordinator for the given instance.
func NewCoordinator(selfID string, totalShards int, store MembershipStore, opts ...CoordinatorOption) (*Coordinator, error) {
	if strings.TrimSpace(selfID) == "" {
		return nil, ErrSelfIDRequired
	}

	if totalShards <= 0 {
		return nil, ErrShardCountRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	coordinator := &Coordinator{
		selfID:           selfID,
		totalShards:      totalShards,
		store:            store,
		logger:           log.NewNop(),
		interval:         DefaultHeartbeatInterval,
		failureThreshold: DefaultFailureThreshold,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}

	return coordinator, nil
}

// Assign computes shard ownership from the current membership snapshot.
//
// If the store is unreachable or the snapshot is empty, the instance
// claims all shards: under-delivery is a worse failure mode than the
// duplicate publishes an overlapping ownership window can cause, and the
// outbox absorbs duplicates by design.
func (coordinator *Coordinator) Assign(ctx context.Context) Assignment {
	now := time.Now().UTC()
	staleBefore := now.Add(-coordinator.interval * time.Duration(coordinator.failureThreshold))

	members, err := coordinator.store.LiveMembers(ctx, staleBefore)
	if err != nil {
		coordinator.logger.Log(ctx, log.LevelWarn,
			"membership snapshot unavailable; failing open to sole shard ownership",
			log.Err(err),
		)

		return coordinator.soleOwnership()
	}

	members = distinctSorted(members)
	if len(members) == 0 {
		coordinator.logger.Log(ctx, log.LevelWarn,
			"membership snapshot empty; failing open to sole shard ownership",
		)

		return coordinator.soleOwnership()
	}

	owned := make([]int, 0, coordinator.totalShards/len(members)+1)
	ownedSet := make(map[int]struct{})

	for shardIndex := range coordinator.totalShards {
		if members[shardIndex%len(members)] == coordinator.selfID {
			owned = append(owned, shardIndex)
			ownedSet[shardIndex] = struct{}{}
		}
	}

	return Assignment{
		SelfID:      coordinator.selfID,
		TotalShards: coordinator.totalShards,
		Owned:       owned,
		ownedSet:    ownedSet,
	}
}

func (coordinator *Coordinator) soleOwnership() Assignment {
	owned := make([]int, coordinator.totalShards)
	ownedSet := make(map[int]struct{}, coordinator.totalShards)

	for shardIndex := range coordinator.totalShards {
		owned[shardIndex] = shardIndex
		ownedSet[shardIndex] = struct{}{}
	}

	return Assignment{
		SelfID:      coordinator.selfID,
		TotalShards: coordinator.totalShards,
		Owned:       owned,
		FailOpen:    true,
		ownedSet:    ownedSet,
	}
}

// distinctSorted sorts member ids deterministically and removes
// duplicates, so every instance derives the same partition from the same
// snapshot regardless of store ordering.
func distinctSorted(members []string) []string {
	filtered := make([]string, 0, len(members))

	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}

		filtered = append(filtered, member)
	}

	sort.Strings(filtered)

	deduped := filtered[:0]

	for i, member := range filtered {
		if i > 0 && member == filtered[i-1] {
			continue
		}

		deduped = append(deduped, member)
	}

	return deduped
}
