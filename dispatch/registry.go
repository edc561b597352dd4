package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dltmdrb1996/jobstat-api-sub007/internal/nilcheck"
	"github.com/dltmdrb1996/jobstat-api-sub007/log"
	"github.com/dltmdrb1996/jobstat-api-sub007/outbox"
)

var (
	// ErrHandlerRequired is returned when a nil handler is registered.
	ErrHandlerRequired = errors.New("dispatch: handler is required")
	// ErrHandlerTypeEmpty is returned when a handler declares no event type.
	ErrHandlerTypeEmpty = errors.New("dispatch: handler event type is empty")
	// ErrEnvelopeRequired is returned when Dispatch receives a nil envelope.
	ErrEnvelopeRequired = errors.New("dispatch: envelope is required")
)

// Handler consumes envelopes of one event type.
type Handler interface {
	// EventType returns the event type this handler consumes.
	EventType() string

	// Handle processes one envelope. A non-nil error aborts dispatch for
	// the envelope and propagates to the consumer's retry loop.
	Handle(ctx context.Context, envelope *outbox.Envelope) error
}

// HandlerFunc adapts a function into a Handler for a fixed event type.
type HandlerFunc struct {
	Type string
	Func func(ctx context.Context, envelope *outbox.Envelope) error
}

// EventType returns the fixed event type.
func (h HandlerFunc) EventType() string {
	return h.Type
}

// Handle invokes the wrapped function.
func (h HandlerFunc) Handle(ctx context.Context, envelope *outbox.Envelope) error {
	return h.Func(ctx, envelope)
}

// Registry maps event types to their handlers. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	handlers map[string][]Handler
	logger   log.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for unknown-type warnings.
func WithRegistryLogger(logger log.Logger) RegistryOption {
	return func(registry *Registry) {
		if !nilcheck.Interface(logger) {
			registry.logger = logger
		}
	}
}

// NewRegistry builds a registry from the given handlers. Handlers sharing
// an event type run in registration order.
func NewRegistry(handlers []Handler, opts ...RegistryOption) (*Registry, error) {
	registry := &Registry{
		handlers: make(map[string][]Handler, len(handlers)),
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}

	for _, handler := range handlers {
		if nilcheck.Interface(handler) {
			return nil, ErrHandlerRequired
		}

		eventType := strings.TrimSpace(handler.EventType())
		if eventType == "" {
			return nil, ErrHandlerTypeEmpty
		}

		registry.handlers[eventType] = append(registry.handlers[eventType], handler)
	}

	return registry, nil
}

// Handles reports whether any handler is registered for the event type.
func (registry *Registry) Handles(eventType string) bool {
	_, ok := registry.handlers[eventType]

	return ok
}

// Dispatch routes the envelope to its handlers, stopping at the first
// failure. An envelope with no registered handler is logged and dropped
// without error so the consumer acknowledges it.
func (registry *Registry) Dispatch(ctx context.Context, envelope *outbox.Envelope) error {
	if envelope == nil {
		return ErrEnvelopeRequired
	}

	handlers, ok := registry.handlers[envelope.Type]
	if !ok {
		registry.logger.Log(ctx, log.LevelWarn, "no handler registered for event type; dropping",
			log.String("event_type", envelope.Type),
			log.Uint64("event_id", envelope.EventID),
		)

		return nil
	}

	for _, handler := range handlers {
		if err := handler.Handle(ctx, envelope); err != nil {
			return fmt.Errorf("handle %s event %d: %w", envelope.Type, envelope.EventID, err)
		}
	}

	return nil
}
