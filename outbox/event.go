package outbox

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"time"
)

// DefaultMaxPayloadBytes caps the serialized payload stored per event.
const DefaultMaxPayloadBytes = 1 << 20

// Event is a single outbox row. It is written inside the producing
// transaction and deleted only after the broker confirms delivery, so a
// surviving row always means an unconfirmed publish.
type Event struct {
	ID        uint64
	EventType string
	Payload   []byte
	ShardKey  uint64
	CreatedAt time.Time
}

// NewEvent validates and assembles an outbox event. The payload must be
// non-empty, valid JSON and no larger than DefaultMaxPayloadBytes.
func NewEvent(id uint64, eventType string, payload []byte, shardKey uint64) (*Event, error) {
	if id == 0 {
		return nil, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	return &Event{
		ID:        id,
		EventType: eventType,
		Payload:   payload,
		ShardKey:  shardKey,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ShardKeyFor derives a stable shard key from an aggregate identifier,
// keeping all events for the same aggregate on the same shard. The key is
// clamped to 63 bits so it stays non-negative in a signed database column.
func ShardKeyFor(aggregateID string) uint64 {
	h := fnv.New64a()

	_, _ = h.Write([]byte(aggregateID))

	return h.Sum64() & (1<<63 - 1)
}

// Envelope is the wire representation published to the broker. Consumers
// decode it back with DecodeEnvelope.
type Envelope struct {
	EventID uint64          `json:"eventId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes the event into its broker envelope.
func (e *Event) Encode() ([]byte, error) {
	envelope := Envelope{
		EventID: e.ID,
		Type:    e.EventType,
		Payload: json.RawMessage(e.Payload),
	}

	return json.Marshal(envelope)
}

// DecodeEnvelope parses a broker message body into an Envelope. A zero
// event id or empty type marks the body as malformed.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	if envelope.EventID == 0 || strings.TrimSpace(envelope.Type) == "" {
		return nil, ErrEnvelopeInvalid
	}

	return &envelope, nil
}
