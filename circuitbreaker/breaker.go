package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

// ErrNameRequired is returned when a breaker is created without a name.
var ErrNameRequired = errors.New("circuitbreaker: name is required")

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuitbreaker: open")

// Config tunes when the breaker trips and how it probes recovery.
type Config struct {
	// MaxRequests is the number of probe calls allowed while half-open.
	MaxRequests uint32

	// Interval resets the closed-state counters periodically.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker regardless of ratio.
	ConsecutiveFailures uint32

	// FailureRatio trips the breaker once MinRequests calls were observed.
	FailureRatio float64

	// MinRequests is the sample size required before FailureRatio applies.
	MinRequests uint32
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// PublisherConfig trips quickly, suited to a message broker on the hot
// publish path where a short open window sheds load fast.
func PublisherConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            1 * time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (c *Config) normalize() {
	defaults := DefaultConfig()

	if c.MaxRequests == 0 {
		c.MaxRequests = defaults.MaxRequests
	}

	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}

	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = defaults.FailureRatio
	}

	if c.MinRequests == 0 {
		c.MinRequests = defaults.MinRequests
	}
}

// Breaker guards calls to one downstream dependency.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// Option configures a Breaker.
type Option func(*options)

type options struct {
	cfg    Config
	logger log.Logger
}

// WithConfig overrides the breaker configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger used for state-change events.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if !nilcheck.Interface(logger) {
			o.logger = logger
		}
	}
}

// New creates a breaker named after the dependency it guards.
func New(name string, opts ...Option) (*Breaker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	cfgOpts := options{
		cfg:    DefaultConfig(),
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfgOpts)
		}
	}

	cfgOpts.cfg.normalize()

	breaker := &Breaker{
		name:   name,
		logger: cfgOpts.logger,
	}

	cfg := cfgOpts.cfg
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if counts.Requests < cfg.MinRequests {
				return false
			}

			ratio := float64(counts.TotalFailures) / float64(counts.Requests)

			return ratio >= cfg.FailureRatio
		},
		OnStateChange: breaker.logStateChange,
	}

	breaker.breaker = gobreaker.NewCircuitBreaker(settings)

	return breaker, nil
}

// Execute runs fn through the breaker. When the breaker is open or
// half-open capacity is exhausted, fn is not invoked and the error wraps
// ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}

	return err
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

func (b *Breaker) logStateChange(name string, from, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelWarn
	}

	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", name),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)
}
