package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	relay "github.com/dltmdrb1996/jobstat-api-sub007"
	"github.com/dltmdrb1996/jobstat-api-sub007/circuitbreaker"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/opentelemetry"
	"github.com/dltmdrb1996/jobstat-api-sub007/runtime"
	"github.com/dltmdrb1996/jobstat-api-sub007/shard"
)

// Publisher sends an encoded event envelope to the broker. Publish must
// not return nil before the broker has durably accepted the message.
type Publisher interface {
	Publish(ctx context.Context, eventType string, body []byte) error
}

// ShardAssigner computes which shards this instance currently owns.
type ShardAssigner interface {
	Assign(ctx context.Context) shard.Assignment
}

// SweepResult summarizes one recovery sweep.
type SweepResult struct {
	Scanned         int
	Published       int
	Deleted         int
	PublishFailures int
	DeleteFailures  int
}

// Relay owns the outbox delivery loop: immediate publish after commit and
// a periodic sweep that retries rows the immediate path missed. It
// implements the relay.App lifecycle.
type Relay struct {
	repository Repository
	publisher  Publisher
	assigner   ShardAssigner
	logger     log.Logger
	tracer     trace.Tracer
	breaker    *circuitbreaker.Breaker
	cfg        RelayConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	loopWg     sync.WaitGroup
	inflightWg sync.WaitGroup
}

var _ relay.App = (*Relay)(nil)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayConfig overrides the sweep configuration.
func WithRelayConfig(cfg RelayConfig) RelayOption {
	return func(r *Relay) {
		r.cfg = cfg
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger log.Logger) RelayOption {
	return func(r *Relay) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

// WithRelayTracer sets the tracer used for publish and sweep spans.
func WithRelayTracer(tracer trace.Tracer) RelayOption {
	return func(r *Relay) {
		r.tracer = tracer
	}
}

// WithPublishBreaker guards every publish attempt with the given circuit
// breaker so a dead broker fails fast instead of stalling each sweep on
// timeouts.
func WithPublishBreaker(breaker *circuitbreaker.Breaker) RelayOption {
	return func(r *Relay) {
		r.breaker = breaker
	}
}

// NewRelay creates an outbox relay.
func NewRelay(repository Repository, publisher Publisher, assigner ShardAssigner, opts ...RelayOption) (*Relay, error) {
	if nilcheck.Interface(repository) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(assigner) {
		return nil, ErrAssignerRequired
	}

	r := &Relay{
		repository: repository,
		publisher:  publisher,
		assigner:   assigner,
		logger:     log.NewNop(),
		cfg:        DefaultRelayConfig(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.cfg.normalize()
	r.tracer = opentelemetry.TracerOrNoop(r.tracer)

	return r, nil
}

// Enqueue writes the event into the outbox inside the caller's
// transaction. The row commits atomically with the caller's domain change
// and survives until a publish is confirmed.
func (r *Relay) Enqueue(ctx context.Context, tx Tx, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	if tx == nil {
		return r.repository.Create(ctx, event)
	}

	return r.repository.CreateWithTx(ctx, tx, event)
}

// PublishAfterCommit attempts an immediate publish of a freshly committed
// event on a background goroutine. Failures are logged and left to the
// sweep; the caller's request path is never blocked or failed by broker
// trouble.
func (r *Relay) PublishAfterCommit(event *Event) {
	if event == nil {
		return
	}

	r.inflightWg.Add(1)

	runtime.SafeGo(r.logger, "outbox", "publish_after_commit", runtime.KeepRunning, func() {
		defer r.inflightWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
		defer cancel()

		if err := r.publishAndDelete(ctx, event); err != nil {
			r.logger.Log(ctx, log.LevelWarn, "immediate publish failed; row left for sweep",
				log.Uint64("event_id", event.ID),
				log.String("event_type", event.EventType),
				log.Err(err),
			)
		}
	})
}

// SweepOnce scans owned shards for rows older than the sweep lag and
// republishes them. Rows are deleted only after a confirmed publish; a
// failed delete leaves the row for the next sweep, trading a duplicate
// publish for never losing an event.
func (r *Relay) SweepOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.sweep")
	defer span.End()

	var result SweepResult

	assignment := r.assigner.Assign(ctx)
	if len(assignment.Owned) == 0 {
		return result, nil
	}

	olderThan := time.Now().UTC().Add(-r.cfg.SweepLag)

	events, err := r.repository.ListUnpublished(ctx, olderThan, assignment.Owned, assignment.TotalShards, r.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "listing unpublished events", err)

		return result, fmt.Errorf("list unpublished events: %w", err)
	}

	result.Scanned = len(events)

	for _, event := range events {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if err := r.publishBounded(ctx, event); err != nil {
			result.PublishFailures++

			r.logger.Log(ctx, log.LevelWarn, "sweep publish failed",
				log.Uint64("event_id", event.ID),
				log.String("event_type", event.EventType),
				log.Err(err),
			)

			continue
		}

		result.Published++

		if err := r.repository.Delete(ctx, event.ID); err != nil {
			result.DeleteFailures++

			// The event reached the broker but the row survived, so the next
			// sweep republishes it. Consumers must tolerate the duplicate.
			r.logger.Log(ctx, log.LevelError, "delete after publish failed; event will be republished",
				log.Uint64("event_id", event.ID),
				log.Err(err),
			)

			continue
		}

		result.Deleted++
	}

	if result.Scanned > 0 {
		r.logger.Log(ctx, log.LevelInfo, "outbox sweep finished",
			log.Int("scanned", result.Scanned),
			log.Int("published", result.Published),
			log.Int("deleted", result.Deleted),
			log.Int("publish_failures", result.PublishFailures),
			log.Int("delete_failures", result.DeleteFailures),
			log.Bool("fail_open", assignment.FailOpen),
		)
	}

	return result, nil
}

// Run starts the sweep loop until Stop is called.
func (r *Relay) Run(_ *relay.Launcher) error {
	return r.RunContext(context.Background())
}

// RunContext starts the sweep loop until Stop is called or ctx is
// cancelled.
func (r *Relay) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if !r.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer r.clearRun()

	r.loopWg.Add(1)
	defer r.loopWg.Done()

	defer runtime.RecoverAndLog(loopCtx, r.logger, "outbox", "sweep_loop")

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return nil
		case <-loopCtx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.SweepOnce(loopCtx); err != nil {
				log.SafeError(r.logger, loopCtx, "outbox sweep failed", err)
			}
		}
	}
}

// Stop signals the sweep loop to stop.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.runStateMu.Lock()
		cancel := r.cancelFunc
		r.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(r.stop)
	})
}

// Shutdown stops the sweep loop and waits for it and any in-flight
// immediate publishes to finish.
func (r *Relay) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.Stop()

	done := make(chan struct{})

	runtime.SafeGo(r.logger, "outbox", "relay_shutdown_wait", runtime.KeepRunning, func() {
		r.loopWg.Wait()
		r.inflightWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

func (r *Relay) publishAndDelete(ctx context.Context, event *Event) error {
	if err := r.publish(ctx, event); err != nil {
		return err
	}

	if err := r.repository.Delete(ctx, event.ID); err != nil {
		return fmt.Errorf("delete event %d after publish: %w", event.ID, err)
	}

	return nil
}

// publishBounded caps a single publish attempt at the configured publish
// timeout. One hung broker call costs the sweep at most PublishTimeout
// and leaves the row for the next pass.
func (r *Relay) publishBounded(ctx context.Context, event *Event) error {
	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	return r.publish(publishCtx, event)
}

func (r *Relay) publish(ctx context.Context, event *Event) error {
	ctx, span := r.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	body, err := event.Encode()
	if err != nil {
		opentelemetry.HandleSpanError(span, "encoding event envelope", err)

		return fmt.Errorf("encode event %d: %w", event.ID, err)
	}

	publish := func() error {
		return r.publisher.Publish(ctx, event.EventType, body)
	}

	if r.breaker != nil {
		err = r.breaker.Execute(publish)
	} else {
		err = publish()
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "publishing event", err)

		return fmt.Errorf("publish event %d: %w", event.ID, err)
	}

	return nil
}

func (r *Relay) registerRun(cancel context.CancelFunc) bool {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	if r.running {
		return false
	}

	r.running = true
	r.cancelFunc = cancel

	return true
}

func (r *Relay) clearRun() {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	r.running = false
	r.cancelFunc = nil
}
