package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

// ErrPanicRecovered wraps panic values recovered from group goroutines.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages goroutines that share a cancellation context. The first
// error cancels the context and is returned by Wait; later errors are
// discarded. The zero value is usable without cancellation.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a group whose derived context is cancelled by the
// first failing goroutine or by Wait returning.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets a logger for recovered panics.
func (group *Group) SetLogger(logger log.Logger) {
	if !nilcheck.Interface(logger) {
		group.logger = logger
	}
}

// Go runs fn in a new goroutine. A panic inside fn is recovered, logged,
// and recorded as the group error.
func (group *Group) Go(fn func() error) {
	group.wg.Add(1)

	go func() {
		defer group.wg.Done()

		defer func() {
			if recovered := recover(); recovered != nil {
				if group.logger != nil {
					group.logger.Log(group.context(), log.LevelError, "panic recovered in errgroup",
						log.Any("panic", recovered),
					)
				}

				group.record(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			group.record(err)
		}
	}()
}

// Wait blocks until every goroutine finished and returns the first error.
func (group *Group) Wait() error {
	group.wg.Wait()

	if group.cancel != nil {
		group.cancel()
	}

	return group.err
}

func (group *Group) record(err error) {
	group.errOnce.Do(func() {
		group.err = err

		if group.cancel != nil {
			group.cancel()
		}
	})
}

func (group *Group) context() context.Context {
	if group.ctx != nil {
		return group.ctx
	}

	return context.Background()
}
