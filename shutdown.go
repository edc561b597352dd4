package relay

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dltmdrb1996/jobstat-api-sub007/errgroup"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

// DefaultShutdownTimeout bounds how long a graceful shutdown may take
// before remaining components are abandoned.
const DefaultShutdownTimeout = 30 * time.Second

// Stopper is a component that can shut down gracefully. All long-running
// apps in this module implement it.
type Stopper interface {
	Shutdown(ctx context.Context) error
}

// StageComponent names a component inside a concurrent shutdown stage.
type StageComponent struct {
	Name    string
	Stopper Stopper
}

type shutdownStage struct {
	components []StageComponent
}

// ShutdownCoordinator waits for a termination signal and shuts registered
// components down in registration order, one stage at a time. Register
// the membership heartbeater before the relay so peers absorb this
// instance's shards before its final sweep ends; components inside one
// stage stop concurrently.
type ShutdownCoordinator struct {
	logger  log.Logger
	timeout time.Duration
	stages  []shutdownStage
	signals []os.Signal
}

// ShutdownOption configures a ShutdownCoordinator.
type ShutdownOption func(*ShutdownCoordinator)

// WithShutdownTimeout overrides the graceful shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) ShutdownOption {
	return func(coordinator *ShutdownCoordinator) {
		if timeout > 0 {
			coordinator.timeout = timeout
		}
	}
}

// WithShutdownSignals overrides the signals that trigger shutdown.
func WithShutdownSignals(signals ...os.Signal) ShutdownOption {
	return func(coordinator *ShutdownCoordinator) {
		if len(signals) > 0 {
			coordinator.signals = signals
		}
	}
}

// NewShutdownCoordinator creates a coordinator.
func NewShutdownCoordinator(logger log.Logger, opts ...ShutdownOption) *ShutdownCoordinator {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	coordinator := &ShutdownCoordinator{
		logger:  logger,
		timeout: DefaultShutdownTimeout,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}

	return coordinator
}

// Register appends a component as its own shutdown stage. Stages run in
// registration order; a component registered later is not stopped until
// every earlier stage has finished. Empty names and nil stoppers are
// ignored.
func (coordinator *ShutdownCoordinator) Register(name string, stopper Stopper) {
	coordinator.RegisterConcurrent(StageComponent{Name: name, Stopper: stopper})
}

// RegisterConcurrent appends one stage whose components shut down
// concurrently with each other, after every earlier stage and before
// every later one.
func (coordinator *ShutdownCoordinator) RegisterConcurrent(components ...StageComponent) {
	stage := shutdownStage{}

	for _, component := range components {
		if component.Name == "" || nilcheck.Interface(component.Stopper) {
			continue
		}

		stage.components = append(stage.components, component)
	}

	if len(stage.components) == 0 {
		return
	}

	coordinator.stages = append(coordinator.stages, stage)
}

// Wait blocks until a termination signal arrives or ctx is cancelled,
// then shuts every registered component down. It returns the first
// shutdown error.
func (coordinator *ShutdownCoordinator) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, coordinator.signals...)

	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		coordinator.logger.Log(ctx, log.LevelInfo, "termination signal received",
			log.String("signal", sig.String()),
		)
	case <-ctx.Done():
		coordinator.logger.Log(ctx, log.LevelInfo, "shutdown requested by context")
	}

	return coordinator.ShutdownAll(context.Background())
}

// ShutdownAll runs the shutdown stages in registration order within the
// configured timeout. A failing stage is logged and does not stop later
// stages; the first error is returned after every stage has run.
func (coordinator *ShutdownCoordinator) ShutdownAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, coordinator.timeout)
	defer cancel()

	var firstErr error

	for _, stage := range coordinator.stages {
		if err := coordinator.shutdownStage(shutdownCtx, stage); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return firstErr
	}

	coordinator.logger.Log(ctx, log.LevelInfo, "all components shut down")

	return nil
}

func (coordinator *ShutdownCoordinator) shutdownStage(ctx context.Context, stage shutdownStage) error {
	group, _ := errgroup.WithContext(ctx)
	group.SetLogger(coordinator.logger)

	for _, component := range stage.components {
		group.Go(func() error {
			coordinator.logger.Log(ctx, log.LevelInfo, "shutting down component",
				log.String("component", component.Name),
			)

			if err := component.Stopper.Shutdown(ctx); err != nil {
				coordinator.logger.Log(ctx, log.LevelError, "component shutdown failed",
					log.String("component", component.Name),
					log.Err(err),
				)

				return fmt.Errorf("shutdown %s: %w", component.Name, err)
			}

			return nil
		})
	}

	return group.Wait()
}
