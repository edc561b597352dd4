package outbox

import "errors"

var (
	ErrEventRequired      = errors.New("outbox event is required")
	ErrEventIDRequired    = errors.New("outbox event id is required")
	ErrEventTypeRequired  = errors.New("outbox event type is required")
	ErrPayloadRequired    = errors.New("outbox event payload is required")
	ErrPayloadTooLarge    = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON     = errors.New("outbox event payload must be valid JSON")
	ErrEnvelopeInvalid    = errors.New("event envelope is invalid")
	ErrRepositoryRequired = errors.New("outbox repository is required")
	ErrPublisherRequired  = errors.New("event publisher is required")
	ErrAssignerRequired   = errors.New("shard assigner is required")
	ErrRelayRunning       = errors.New("outbox relay is already running")
)
