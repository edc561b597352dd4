// Package redis implements the shard membership store on a Redis sorted
// set scored by heartbeat time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrClientRequired is returned when no redis client is provided.
	ErrClientRequired = errors.New("shard redis store: client is required")
	// ErrAppNameRequired is returned when the membership key namespace is empty.
	ErrAppNameRequired = errors.New("shard redis store: app name is required")
)

const membershipKeyPrefix = "coordinator:"

// Store keeps cluster membership in one sorted set per application.
// Member = instance id, score = last heartbeat in epoch milliseconds.
type Store struct {
	client *redis.Client
	key    string
}

// NewStore creates a membership store namespaced by application name, so
// different services sharing one Redis do not see each other's members.
func NewStore(client *redis.Client, appName string) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	appName = strings.TrimSpace(appName)
	if appName == "" {
		return nil, ErrAppNameRequired
	}

	return &Store{
		client: client,
		key:    membershipKeyPrefix + appName,
	}, nil
}

// Key returns the sorted-set key used by this store.
func (store *Store) Key() string {
	return store.key
}

// Heartbeat updates this instance's score to now and prunes members older
// than staleBefore in one pipelined round trip. Pruning rides along on the
// heartbeat instead of a separate reaper.
func (store *Store) Heartbeat(ctx context.Context, instanceID string, now, staleBefore time.Time) error {
	pipe := store.client.TxPipeline()
	pipe.ZAdd(ctx, store.key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: instanceID,
	})
	pipe.ZRemRangeByScore(ctx, store.key, "-inf", exclusiveMillis(staleBefore))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("membership heartbeat: %w", err)
	}

	return nil
}

// Deregister removes the instance from the membership set.
func (store *Store) Deregister(ctx context.Context, instanceID string) error {
	if err := store.client.ZRem(ctx, store.key, instanceID).Err(); err != nil {
		return fmt.Errorf("membership deregister: %w", err)
	}

	return nil
}

// LiveMembers returns every member whose heartbeat score is at least
// staleBefore.
func (store *Store) LiveMembers(ctx context.Context, staleBefore time.Time) ([]string, error) {
	members, err := store.client.ZRangeByScore(ctx, store.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(staleBefore.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("membership read: %w", err)
	}

	return members, nil
}

// exclusiveMillis renders an exclusive upper bound for ZREMRANGEBYSCORE,
// so a member whose score equals staleBefore still counts as live.
func exclusiveMillis(t time.Time) string {
	return "(" + strconv.FormatInt(t.UnixMilli(), 10)
}
