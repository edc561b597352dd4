package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	relay "github.com/dltmdrb1996/jobstat-api-sub007"
	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/runtime"
)

var (
	// ErrJobNameRequired is returned when a job is created without a name.
	ErrJobNameRequired = errors.New("cron: job name is required")
	// ErrScheduleRequired is returned when a job is created without a schedule.
	ErrScheduleRequired = errors.New("cron: schedule is required")
	// ErrJobFuncRequired is returned when a job is created without a function.
	ErrJobFuncRequired = errors.New("cron: job function is required")
	// ErrJobRunning is returned when Run is called on a running job.
	ErrJobRunning = errors.New("cron: job is already running")
)

// Job runs a function on a cron schedule. It implements the relay.App
// lifecycle. A failing or panicking run is logged and the job keeps its
// schedule.
type Job struct {
	name     string
	schedule *Schedule
	fn       func(ctx context.Context) error
	logger   log.Logger
	now      func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ relay.App = (*Job)(nil)

// JobOption configures a Job.
type JobOption func(*Job)

// WithJobLogger sets the job logger.
func WithJobLogger(logger log.Logger) JobOption {
	return func(job *Job) {
		if !nilcheck.Interface(logger) {
			job.logger = logger
		}
	}
}

// NewJob creates a scheduled job.
func NewJob(name string, schedule *Schedule, fn func(ctx context.Context) error, opts ...JobOption) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrJobNameRequired
	}

	if schedule == nil {
		return nil, ErrScheduleRequired
	}

	if fn == nil {
		return nil, ErrJobFuncRequired
	}

	job := &Job{
		name:     name,
		schedule: schedule,
		fn:       fn,
		logger:   log.NewNop(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(job)
		}
	}

	return job, nil
}

// Run executes the job on its schedule until Stop is called.
func (job *Job) Run(_ *relay.Launcher) error {
	return job.RunContext(context.Background())
}

// RunContext executes the job on its schedule until Stop is called or ctx
// is cancelled.
func (job *Job) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if !job.registerRun(cancel) {
		cancel()

		return ErrJobRunning
	}

	defer job.clearRun()

	for {
		next, err := job.schedule.Next(job.now())
		if err != nil {
			return err
		}

		timer := time.NewTimer(next.Sub(job.now()))

		select {
		case <-job.stop:
			timer.Stop()

			return nil
		case <-loopCtx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
			job.runOnce(loopCtx)
		}
	}
}

// Stop signals the job loop to stop.
func (job *Job) Stop() {
	job.stopOnce.Do(func() {
		job.runStateMu.Lock()
		cancel := job.cancelFunc
		job.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(job.stop)
	})
}

// Shutdown stops the job loop.
func (job *Job) Shutdown(_ context.Context) error {
	job.Stop()

	return nil
}

func (job *Job) runOnce(ctx context.Context) {
	defer runtime.RecoverAndLog(ctx, job.logger, "cron", job.name)

	if err := job.fn(ctx); err != nil {
		job.logger.Log(ctx, log.LevelError, "scheduled job failed",
			log.String("job", job.name),
			log.Err(err),
		)
	}
}

func (job *Job) registerRun(cancel context.CancelFunc) bool {
	job.runStateMu.Lock()
	defer job.runStateMu.Unlock()

	if job.running {
		return false
	}

	job.running = true
	job.cancelFunc = cancel

	return true
}

func (job *Job) clearRun() {
	job.runStateMu.Lock()
	defer job.runStateMu.Unlock()

	job.running = false
	job.cancelFunc = nil
}
