package shard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	relay "github.com/dltmdrb1996/jobstat-api-sub007"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/runtime"
)

const (
	// DefaultHeartbeatInterval is the default fixed delay between
	// membership heartbeats.
	DefaultHeartbeatInterval = 3 * time.Second

	// DefaultFailureThreshold is the number of missed heartbeats after
	// which a member counts as dead.
	DefaultFailureThreshold = 3
)

// ErrHeartbeaterRunning is returned when Run is called on an already
// running heartbeater.
var ErrHeartbeaterRunning = errors.New("shard: heartbeater is already running")

// HeartbeatConfig controls the heartbeat loop.
type HeartbeatConfig struct {
	Interval         time.Duration
	FailureThreshold int
}

// DefaultHeartbeatConfig returns the baseline heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:         DefaultHeartbeatInterval,
		FailureThreshold: DefaultFailureThreshold,
	}
}

func (cfg *HeartbeatConfig) normalize() {
	defaults := DefaultHeartbeatConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
}

// Heartbeater keeps this instance registered in the membership set. It
// implements the relay.App lifecycle.
type Heartbeater struct {
	selfID string
	store  MembershipStore
	logger log.Logger
	cfg    HeartbeatConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	loopWg     sync.WaitGroup
}

var _ relay.App = (*Heartbeater)(nil)

// HeartbeaterOption configures a Heartbeater.
type HeartbeaterOption func(*Heartbeater)

// WithHeartbeatConfig overrides the heartbeat configuration.
func WithHeartbeatConfig(cfg HeartbeatConfig) HeartbeaterOption {
	return func(heartbeater *Heartbeater) {
		heartbeater.cfg = cfg
	}
}

// WithHeartbeaterLogger sets the heartbeater logger.
func WithHeartbeaterLogger(logger log.Logger) HeartbeaterOption {
	return func(heartbeater *Heartbeater) {
		if !nilcheck.Interface(logger) {
			heartbeater.logger = logger
		}
	}
}

// NewHeartbeater creates a heartbeater for the given instance id.
func NewHeartbeater(selfID string, store MembershipStore, opts ...HeartbeaterOption) (*Heartbeater, error) {
	if strings.TrimSpace(selfID) == "" {
		return nil, ErrSelfIDRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	heartbeater := &Heartbeater{
		selfID: selfID,
		store:  store,
		logger: log.NewNop(),
		cfg:    DefaultHeartbeatConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(heartbeater)
		}
	}

	heartbeater.cfg.normalize()

	return heartbeater, nil
}

// Run starts the heartbeat loop until Stop is called.
func (heartbeater *Heartbeater) Run(_ *relay.Launcher) error {
	return heartbeater.RunContext(context.Background())
}

// RunContext starts the heartbeat loop until Stop is called or ctx is
// cancelled.
func (heartbeater *Heartbeater) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if !heartbeater.registerRun(cancel) {
		cancel()

		return ErrHeartbeaterRunning
	}

	defer heartbeater.clearRun()

	heartbeater.loopWg.Add(1)
	defer heartbeater.loopWg.Done()

	defer runtime.RecoverAndLog(loopCtx, heartbeater.logger, "shard", "heartbeat_loop")

	heartbeater.beat(loopCtx)

	ticker := time.NewTicker(heartbeater.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-heartbeater.stop:
			return nil
		case <-loopCtx.Done():
			return nil
		case <-ticker.C:
			heartbeater.beat(loopCtx)
		}
	}
}

// Stop signals the heartbeat loop to stop.
func (heartbeater *Heartbeater) Stop() {
	heartbeater.stopOnce.Do(func() {
		heartbeater.runStateMu.Lock()
		cancel := heartbeater.cancelFunc
		heartbeater.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(heartbeater.stop)
	})
}

// Shutdown stops the loop, waits for it to finish, and removes this
// instance from the membership set so peers can absorb its shards without
// waiting for the liveness window to expire.
func (heartbeater *Heartbeater) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	heartbeater.Stop()

	done := make(chan struct{})

	runtime.SafeGo(heartbeater.logger, "shard", "heartbeat_shutdown_wait", runtime.KeepRunning, func() {
		heartbeater.loopWg.Wait()
		close(done)
	})

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("heartbeater shutdown: %w", ctx.Err())
	}

	if err := heartbeater.store.Deregister(ctx, heartbeater.selfID); err != nil {
		return fmt.Errorf("deregister %s: %w", heartbeater.selfID, err)
	}

	heartbeater.logger.Log(ctx, log.LevelInfo, "deregistered from membership set",
		log.String("instance_id", heartbeater.selfID))

	return nil
}

func (heartbeater *Heartbeater) beat(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-heartbeater.cfg.Interval * time.Duration(heartbeater.cfg.FailureThreshold))

	if err := heartbeater.store.Heartbeat(ctx, heartbeater.selfID, now, staleBefore); err != nil {
		// A missed heartbeat is transient: peers keep this member until
		// the liveness window expires, and the next tick retries.
		heartbeater.logger.Log(ctx, log.LevelWarn, "heartbeat write failed",
			log.String("instance_id", heartbeater.selfID),
			log.Err(err),
		)
	}
}

func (heartbeater *Heartbeater) registerRun(cancel context.CancelFunc) bool {
	heartbeater.runStateMu.Lock()
	defer heartbeater.runStateMu.Unlock()

	if heartbeater.running {
		return false
	}

	heartbeater.running = true
	heartbeater.cancelFunc = cancel

	return true
}

func (heartbeater *Heartbeater) clearRun() {
	heartbeater.runStateMu.Lock()
	defer heartbeater.runStateMu.Unlock()

	heartbeater.running = false
	heartbeater.cancelFunc = nil
}
